// Package sse implements the per-client event fan-out behind
// /api/message-stream and /api/bot-stream.
/*
 * Copyright (c) 2025, NVIDIA CORPORATION. All rights reserved.
 */
package sse

import (
	"net/http"

	"github.com/NVIDIA/meshrank/cmn/cos"
)

type streamWriter struct {
	w  http.ResponseWriter
	fl http.Flusher
}

func newStreamWriter(w http.ResponseWriter) (*streamWriter, bool) {
	fl, ok := w.(http.Flusher)
	if !ok {
		return nil, false
	}
	hdr := w.Header()
	hdr.Set("Content-Type", "text/event-stream")
	hdr.Set("Cache-Control", "no-store")
	hdr.Set("Connection", "keep-alive")
	hdr.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	fl.Flush()
	return &streamWriter{w: w, fl: fl}, true
}

func (sw *streamWriter) write(event string, data any) error {
	payload, err := cos.JSON.Marshal(data)
	if err != nil {
		return err
	}
	if _, err := sw.w.Write([]byte("event: " + event + "\ndata: ")); err != nil {
		return err
	}
	if _, err := sw.w.Write(payload); err != nil {
		return err
	}
	if _, err := sw.w.Write([]byte("\n\n")); err != nil {
		return err
	}
	sw.fl.Flush()
	return nil
}
