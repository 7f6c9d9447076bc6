// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package logging

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/klauspost/pgzip"
)

// rotatingWriter é um sink de log com rotação por tamanho: ao atingir
// maxSize o arquivo corrente é renomeado com timestamp e comprimido em
// background, e um arquivo novo assume as escritas.
type rotatingWriter struct {
	mu      sync.Mutex
	path    string
	maxSize int64
	f       *os.File
	size    int64
	wg      sync.WaitGroup
}

func newRotatingWriter(path string, maxSize int64) (*rotatingWriter, error) {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, err
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	return &rotatingWriter{
		path:    path,
		maxSize: maxSize,
		f:       f,
		size:    info.Size(),
	}, nil
}

// Write implementa io.Writer, rotacionando antes de estourar o limite.
func (rw *rotatingWriter) Write(p []byte) (int, error) {
	rw.mu.Lock()
	defer rw.mu.Unlock()

	if rw.size+int64(len(p)) > rw.maxSize && rw.size > 0 {
		if err := rw.rotate(); err != nil {
			// Rotação falhou: continua escrevendo no arquivo corrente.
			fmt.Fprintf(os.Stderr, "WARNING: log rotation failed: %v\n", err)
		}
	}

	n, err := rw.f.Write(p)
	rw.size += int64(n)
	return n, err
}

// rotate renomeia o arquivo corrente e dispara a compressão em background.
func (rw *rotatingWriter) rotate() error {
	if err := rw.f.Close(); err != nil {
		return fmt.Errorf("closing current log: %w", err)
	}

	timestamp := time.Now().UTC().Format("2006-01-02T15-04-05.000")
	// Substitui ponto decimal por traço para portabilidade em FS
	timestamp = strings.ReplaceAll(timestamp, ".", "-")
	rotated := fmt.Sprintf("%s.%s", rw.path, timestamp)

	if err := os.Rename(rw.path, rotated); err != nil {
		// Reabre o corrente para não perder o sink.
		f, oerr := os.OpenFile(rw.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
		if oerr == nil {
			rw.f = f
		}
		return fmt.Errorf("renaming rotated log: %w", err)
	}

	f, err := os.OpenFile(rw.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("reopening log file: %w", err)
	}
	rw.f = f
	rw.size = 0

	rw.wg.Add(1)
	go func() {
		defer rw.wg.Done()
		if err := compressFile(rotated); err != nil {
			fmt.Fprintf(os.Stderr, "WARNING: compressing rotated log %s: %v\n", rotated, err)
		}
	}()

	return nil
}

// Close aguarda compressões pendentes e fecha o arquivo corrente.
func (rw *rotatingWriter) Close() error {
	rw.wg.Wait()
	rw.mu.Lock()
	defer rw.mu.Unlock()
	return rw.f.Close()
}

// compressFile comprime src para src.gz e remove o original.
func compressFile(src string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(src + ".gz")
	if err != nil {
		return err
	}
	defer out.Close()

	gz := pgzip.NewWriter(out)
	if _, err := io.Copy(gz, in); err != nil {
		gz.Close()
		return err
	}
	if err := gz.Close(); err != nil {
		return err
	}

	return os.Remove(src)
}
