// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package store gerencia os arquivos parciais de download: localiza e mede
// arquivos .part, abre o stream de escrita em append, promove atomicamente
// para o nome final e descarta parciais abandonados.
package store

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// PartSuffix é o sufixo dos arquivos de trabalho.
const PartSuffix = ".part"

// Store opera sobre um diretório de destino único.
type Store struct {
	destDir   string
	resume    bool
	rateLimit int64 // bytes/seg; 0 = sem limite
}

// New cria um Store para o diretório de destino.
// O diretório é criado sob demanda, não aqui: a negociação DCC pode falhar
// antes de qualquer byte chegar e não deve deixar diretórios vazios.
func New(destDir string, resume bool, rateLimit int64) *Store {
	return &Store{
		destDir:   destDir,
		resume:    resume,
		rateLimit: rateLimit,
	}
}

// Dir retorna o diretório de destino.
func (s *Store) Dir() string {
	return s.destDir
}

// FinalPath retorna o caminho do arquivo finalizado para filename.
func (s *Store) FinalPath(filename string) string {
	return filepath.Join(s.destDir, filepath.Base(filename))
}

// PartPath retorna o caminho do arquivo de trabalho para filename.
func (s *Store) PartPath(filename string) string {
	return s.FinalPath(filename) + PartSuffix
}

// EnsureDir cria o diretório de destino recursivamente se não existir.
func (s *Store) EnsureDir() error {
	if err := os.MkdirAll(s.destDir, 0755); err != nil {
		return fmt.Errorf("creating destination directory: %w", err)
	}
	return nil
}

// ResumeOffset inspeciona o .part de filename e decide o offset inicial:
//   - resume habilitado e .part presente → tamanho atual do .part;
//   - resume desabilitado e .part presente → .part é removido, offset 0;
//   - .part ausente → offset 0.
//
// Um arquivo final completo (sem .part) nunca é tocado: o download
// recomeça em um .part novo a partir do offset 0.
func (s *Store) ResumeOffset(filename string) (uint64, error) {
	partPath := s.PartPath(filename)

	info, err := os.Stat(partPath)
	if os.IsNotExist(err) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("inspecting partial file: %w", err)
	}

	if !s.resume {
		if err := os.Remove(partPath); err != nil {
			return 0, fmt.Errorf("removing stale partial file: %w", err)
		}
		return 0, nil
	}

	return uint64(info.Size()), nil
}

// PartFile é o stream de escrita de um download em andamento.
// A escrita é sempre em append: o offset é o que o OS reportar.
type PartFile struct {
	f *os.File
	w io.Writer
}

// OpenAppend abre o .part de filename em modo append, aplicando o rate
// limiter de disco quando configurado. ctx limita as esperas do limiter.
func (s *Store) OpenAppend(ctx context.Context, filename string) (*PartFile, error) {
	f, err := os.OpenFile(s.PartPath(filename), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("opening partial file: %w", err)
	}
	return &PartFile{
		f: f,
		w: NewThrottledWriter(ctx, f, s.rateLimit),
	}, nil
}

// Write implementa io.Writer sobre o .part.
func (p *PartFile) Write(b []byte) (int, error) {
	return p.w.Write(b)
}

// Close fecha o arquivo subjacente.
func (p *PartFile) Close() error {
	return p.f.Close()
}

// Sync força o flush dos bytes escritos para o OS.
func (p *PartFile) Sync() error {
	return p.f.Sync()
}

// Promote renomeia o .part para o nome final e retorna o caminho final.
// Se o rename falhar, o .part permanece no lugar.
func (s *Store) Promote(filename string) (string, error) {
	finalPath := s.FinalPath(filename)
	if err := os.Rename(s.PartPath(filename), finalPath); err != nil {
		return "", fmt.Errorf("renaming partial to final: %w", err)
	}
	return finalPath, nil
}

// Discard remove o .part de filename. No-op se não existir.
func (s *Store) Discard(filename string) error {
	err := os.Remove(s.PartPath(filename))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("discarding partial file: %w", err)
	}
	return nil
}
