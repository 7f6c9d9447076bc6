// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package registry mantém o índice de transfers vivos. É a única estrutura
// mutável compartilhada do serviço: requisições entram como pendentes sob o
// nick do bot e são promovidas para a chave (filename|port) quando o SEND
// chega; o sweep periódico descarta entradas órfãs.
package registry

import (
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"
)

// RemoveGrace é a espera mínima antes de remover uma entrada após o evento
// terminal, dando tempo do envelope da API ser drenado.
const RemoveGrace = 250 * time.Millisecond

// SweepInterval é o período do garbage collector de entradas órfãs.
const SweepInterval = 30 * time.Minute

// OrphanTTL é a idade mínima de uma entrada sem socket para ser coletada.
const OrphanTTL = 1 * time.Hour

// Canceler é o que o registry precisa saber de um transfer para o GC.
type Canceler interface {
	Cancel()
	Finished() bool
}

// Entry é uma requisição viva: o transfer, o socket da API (anulável) e a
// metadata da requisição original.
type Entry struct {
	Transfer     Canceler
	BotNick      string
	PackNumber   string
	SendProgress bool
	StartTime    time.Time

	mu      sync.Mutex
	apiSock net.Conn
}

// NewEntry cria uma Entry com o socket da API anexado.
func NewEntry(tr Canceler, sock net.Conn, bot, pack string, sendProgress bool) *Entry {
	return &Entry{
		Transfer:     tr,
		BotNick:      bot,
		PackNumber:   pack,
		SendProgress: sendProgress,
		StartTime:    time.Now(),
		apiSock:      sock,
	}
}

// Socket retorna o socket da API, ou nil se o client desconectou.
func (e *Entry) Socket() net.Conn {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.apiSock
}

// detachIf anula o socket se for o informado. Retorna true se anulou.
func (e *Entry) detachIf(sock net.Conn) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.apiSock == sock {
		e.apiSock = nil
		return true
	}
	return false
}

// orphaned indica se a entrada está sem socket há mais que ttl.
func (e *Entry) orphaned(now time.Time, ttl time.Duration) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.apiSock == nil && now.Sub(e.StartTime) > ttl
}

// Key monta a chave de registro de um pack negociado.
func Key(filename string, port uint16) string {
	return fmt.Sprintf("%s|%d", filename, port)
}

// Registry é o mapa de transfers vivos. Todas as operações serializam no
// mutex interno; transfers nunca compartilham handles entre si.
type Registry struct {
	logger *slog.Logger

	mu      sync.Mutex
	pending map[string][]*Entry // bot nick → fila aguardando SEND
	entries map[string]*Entry   // filename|port → entry promovida
}

// New cria um Registry vazio.
func New(logger *slog.Logger) *Registry {
	return &Registry{
		logger:  logger.With("component", "registry"),
		pending: make(map[string][]*Entry),
		entries: make(map[string]*Entry),
	}
}

// InsertPending registra uma entrada sob o nick do bot, antes do SEND.
// Um mesmo bot pode acumular múltiplas requisições em voo.
func (r *Registry) InsertPending(bot string, e *Entry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pending[bot] = append(r.pending[bot], e)
}

// Promote reivindica um DCC SEND para a entrada e, dando certo, a move da
// fila pendente para a chave (filename|port). A reivindicação é atômica e
// só tem sucesso quando:
//   - e é a entrada pendente MAIS ANTIGA do seu bot (a resposta do bot não
//     carrega o pack, então a atribuição segue a ordem das requisições); e
//   - a chave ainda não está em uso (cada SEND tem exatamente um dono —
//     um SEND já reivindicado nunca é entregue a um segundo transfer).
//
// Retorna ("", false) quando a entrada não é a dona deste SEND; o chamador
// deve ignorar o SEND e continuar aguardando o seu.
func (r *Registry) Promote(e *Entry, filename string, port uint16) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := Key(filename, port)
	if _, taken := r.entries[key]; taken {
		return "", false
	}

	queue := r.pending[e.BotNick]
	if len(queue) == 0 || queue[0] != e {
		return "", false
	}
	if len(queue) == 1 {
		delete(r.pending, e.BotNick)
	} else {
		r.pending[e.BotNick] = queue[1:]
	}

	r.entries[key] = e
	r.logger.Debug("entry promoted", "bot", e.BotNick, "key", key)
	return key, true
}

// Lookup retorna a entrada promovida sob key.
func (r *Registry) Lookup(key string) (*Entry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[key]
	return e, ok
}

// DetachSocket anula o socket de todas as entradas que o referenciam —
// pendentes ou promovidas. Os transfers continuam intocados.
func (r *Registry) DetachSocket(sock net.Conn) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	detached := 0
	for _, queue := range r.pending {
		for _, e := range queue {
			if e.detachIf(sock) {
				detached++
			}
		}
	}
	for _, e := range r.entries {
		if e.detachIf(sock) {
			detached++
		}
	}
	if detached > 0 {
		r.logger.Debug("api socket detached", "entries", detached)
	}
	return detached
}

// Remove descarta a entrada sob key imediatamente.
func (r *Registry) Remove(key string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.entries, key)
}

// RemoveAfter agenda a remoção da entrada após a grace de flush.
func (r *Registry) RemoveAfter(key string, delay time.Duration) {
	if delay < RemoveGrace {
		delay = RemoveGrace
	}
	time.AfterFunc(delay, func() { r.Remove(key) })
}

// RemovePending descarta uma entrada ainda pendente (ex.: requisição que
// terminou em erro antes de qualquer SEND).
func (r *Registry) RemovePending(bot string, e *Entry) {
	r.mu.Lock()
	defer r.mu.Unlock()

	queue := r.pending[bot]
	for i, cand := range queue {
		if cand == e {
			queue = append(queue[:i], queue[i+1:]...)
			break
		}
	}
	if len(queue) == 0 {
		delete(r.pending, bot)
	} else {
		r.pending[bot] = queue
	}
}

// Sweep coleta entradas órfãs: sem socket de API e mais velhas que ttl.
// Transfers ainda ativos de entradas coletadas são cancelados.
func (r *Registry) Sweep(ttl time.Duration) int {
	now := time.Now()
	var victims []*Entry

	r.mu.Lock()
	for key, e := range r.entries {
		if e.orphaned(now, ttl) {
			delete(r.entries, key)
			victims = append(victims, e)
		}
	}
	for bot, queue := range r.pending {
		kept := queue[:0]
		for _, e := range queue {
			if e.orphaned(now, ttl) {
				victims = append(victims, e)
			} else {
				kept = append(kept, e)
			}
		}
		if len(kept) == 0 {
			delete(r.pending, bot)
		} else {
			r.pending[bot] = kept
		}
	}
	r.mu.Unlock()

	for _, e := range victims {
		if !e.Transfer.Finished() {
			e.Transfer.Cancel()
		}
	}

	if len(victims) > 0 {
		r.logger.Info("registry sweep collected orphan entries", "count", len(victims))
	}
	return len(victims)
}

// Counts retorna o número de entradas pendentes e promovidas.
func (r *Registry) Counts() (pending, active int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, queue := range r.pending {
		pending += len(queue)
	}
	return pending, len(r.entries)
}
