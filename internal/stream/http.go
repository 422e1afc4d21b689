package stream

import (
	"fmt"
	"log"
	"net/http"
)

const mjpegBoundary = "facecastframe"

// MJPEGHandler serves the live picture as multipart/x-mixed-replace, which
// browsers render in a plain <img> tag.
type MJPEGHandler struct {
	pub *Publisher
}

// NewMJPEGHandler creates an MJPEG stream handler.
func NewMJPEGHandler(p *Publisher) *MJPEGHandler {
	return &MJPEGHandler{pub: p}
}

func (h *MJPEGHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "multipart/x-mixed-replace; boundary="+mjpegBoundary)
	w.Header().Set("Cache-Control", "no-cache, no-store")
	w.Header().Set("Connection", "close")
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	listener := h.pub.Pictures.Subscribe()
	defer h.pub.Pictures.Unsubscribe(listener)

	log.Printf("MJPEG viewer connected (total: %d)", h.pub.Pictures.ListenerCount())
	defer log.Printf("MJPEG viewer disconnected")

	// show the last picture right away instead of waiting for the next frame
	if last := h.pub.Latest(); last != nil {
		if writePart(w, last) != nil {
			return
		}
		flusher.Flush()
	}

	for {
		select {
		case <-r.Context().Done():
			return
		case <-listener.Done():
			return
		case jpg := <-listener.C:
			if err := writePart(w, jpg); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func writePart(w http.ResponseWriter, jpg []byte) error {
	if _, err := fmt.Fprintf(w, "--%s\r\nContent-Type: image/jpeg\r\nContent-Length: %d\r\n\r\n", mjpegBoundary, len(jpg)); err != nil {
		return err
	}
	if _, err := w.Write(jpg); err != nil {
		return err
	}
	_, err := w.Write([]byte("\r\n"))
	return err
}

// SnapshotHandler serves the latest picture as a single JPEG.
func SnapshotHandler(p *Publisher) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		jpg := p.Latest()
		if jpg == nil {
			http.Error(w, "no frame yet", http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "image/jpeg")
		w.Header().Set("Cache-Control", "no-cache, no-store")
		w.Write(jpg)
	}
}
