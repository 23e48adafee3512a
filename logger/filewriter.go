// Copyright 2022 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0

// The reopen logic follows github.com/client9/reopen (MIT, Copyright (c) 2015
// Nick Galbreath).

package logger

import (
	"os"
	"sync"
)

// FileWriter is an append-only log file which can be reopened after log
// rotation.
type FileWriter struct {
	mu   sync.Mutex // protects f
	f    *os.File
	mode os.FileMode
	name string
}

// NewFileWriter opens name for appending, creating it with mode 0600.
func NewFileWriter(name string) (*FileWriter, error) {
	w := &FileWriter{name: name, mode: 0600}
	if err := w.reopen(); err != nil {
		return nil, err
	}
	return w, nil
}

func (w *FileWriter) reopen() error {
	if w.f != nil {
		w.f.Close()
		w.f = nil
	}
	f, err := os.OpenFile(w.name, os.O_WRONLY|os.O_APPEND|os.O_CREATE, w.mode)
	if err != nil {
		return err
	}
	w.f = f
	return nil
}

// Reopen closes and reopens the file by name.
func (w *FileWriter) Reopen() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.reopen()
}

func (w *FileWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.f == nil {
		return 0, os.ErrClosed
	}
	return w.f.Write(p)
}

func (w *FileWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.f == nil {
		return nil
	}
	err := w.f.Close()
	w.f = nil
	return err
}
