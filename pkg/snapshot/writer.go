package snapshot

import (
	"github.com/luxfi/log"

	"github.com/Numi2/Numi-orderbook/pkg/book"
)

// Writer persists book exports off the hot path. The decode stage hands it a
// copy through a small bounded channel; when the channel is full the new
// export is discarded rather than ever blocking the producer.
type Writer struct {
	path   string
	ch     chan book.Export
	done   chan struct{}
	logger log.Logger
}

// NewWriter starts the background writer goroutine.
func NewWriter(path string, logger log.Logger) *Writer {
	w := &Writer{
		path:   path,
		ch:     make(chan book.Export, 2),
		done:   make(chan struct{}),
		logger: logger,
	}
	go w.run()
	return w
}

// Offer hands an export to the writer; returns false when the writer is
// busy and the export was discarded.
func (w *Writer) Offer(exp book.Export) bool {
	select {
	case w.ch <- exp:
		return true
	default:
		return false
	}
}

// Close stops the writer after flushing queued exports.
func (w *Writer) Close() {
	close(w.ch)
	<-w.done
}

func (w *Writer) run() {
	defer close(w.done)
	w.logger.Info("snapshot writer started", "path", w.path)
	for exp := range w.ch {
		if err := WriteAtomic(w.path, exp); err != nil {
			w.logger.Error("snapshot write failed", "path", w.path, "error", err)
		} else {
			w.logger.Debug("snapshot written", "path", w.path, "instruments", len(exp.Instruments))
		}
	}
}
