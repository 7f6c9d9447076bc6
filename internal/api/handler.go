// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package api implementa o front-end TCP de requisições: lê um objeto JSON
// por conexão, dispara o transfer correspondente e encaminha os eventos de
// progresso e terminais de volta ao client como envelopes JSON.
//
// O framing de saída é best-effort: objetos JSON UTF-8 concatenados, cada um
// terminado com '\n' (NDJSON) — clients devem tolerar objetos back-to-back.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"sync/atomic"
	"time"

	"github.com/nishisan-dev/n-xdcc/internal/registry"
	"github.com/nishisan-dev/n-xdcc/internal/transfer"
)

// maxRequestBytes limita o envelope de requisição antes do parse.
const maxRequestBytes = 10000

// idleTimeout é o tempo máximo de inatividade na conexão da API.
const idleTimeout = 60 * time.Second

// writeTimeout limita escritas de envelopes para não prender o forwarder
// em um client travado.
const writeTimeout = 10 * time.Second

// closeGrace é a espera entre o envelope terminal e o fechamento do socket.
const closeGrace = 250 * time.Millisecond

// Request é o envelope de entrada da API.
type Request struct {
	BotName      string `json:"bot_name"`
	PackNumber   string `json:"pack_number"`
	SendProgress bool   `json:"send_progress"`
}

// Spawner cria um Transfer para uma requisição validada.
// O handler é quem chama Start.
type Spawner func(botNick, packNumber string) *transfer.Transfer

// Handler processa conexões individuais da API.
type Handler struct {
	registry *registry.Registry
	spawn    Spawner
	logger   *slog.Logger
}

// NewHandler cria um Handler.
func NewHandler(reg *registry.Registry, spawn Spawner, logger *slog.Logger) *Handler {
	return &Handler{
		registry: reg,
		spawn:    spawn,
		logger:   logger.With("component", "api"),
	}
}

// Envelopes de resposta. Campos seguem o contrato da API; Progress é
// ponteiro porque percent não existe quando o tamanho é desconhecido.
type downloadingEnvelope struct {
	Status     string `json:"status"`
	Message    string `json:"message"`
	PackNumber string `json:"pack_number"`
}

type progressEnvelope struct {
	Status   string `json:"status"`
	Filename string `json:"filename"`
	Progress *int   `json:"progress,omitempty"`
	Received uint64 `json:"received"`
	Total    uint64 `json:"total"`
}

type successEnvelope struct {
	Status     string `json:"status"`
	Filename   string `json:"filename"`
	Path       string `json:"path"`
	Size       uint64 `json:"size"`
	PackNumber string `json:"pack_number"`
}

type errorEnvelope struct {
	Status     string `json:"status"`
	Message    string `json:"message"`
	PackNumber string `json:"pack_number,omitempty"`
}

// HandleConnection processa uma conexão da API do início ao fim.
func (h *Handler) HandleConnection(ctx context.Context, conn net.Conn) {
	logger := h.logger.With("remote", conn.RemoteAddr().String())

	req, err := h.readRequest(conn)
	if err != nil {
		logger.Warn("rejecting api request", "error", err)
		h.writeJSON(conn, errorEnvelope{Status: "error", Message: err.Error()})
		conn.Close()
		return
	}

	packNumber := strings.TrimPrefix(req.PackNumber, "#")
	logger = logger.With("bot", req.BotName, "pack", packNumber)

	tr := h.spawn(req.BotName, packNumber)
	entry := registry.NewEntry(tr, conn, req.BotName, packNumber, req.SendProgress)
	h.registry.InsertPending(req.BotName, entry)

	// Roteamento de SENDs: o registry decide qual requisição em voo deste
	// bot é dona de cada SEND; os demais transfers ignoram a mensagem.
	tr.SetClaim(func(filename string, port uint16) bool {
		_, ok := h.registry.Promote(entry, filename, port)
		return ok
	})

	h.writeJSON(conn, downloadingEnvelope{
		Status:     "downloading",
		Message:    fmt.Sprintf("Download request sent to %s", req.BotName),
		PackNumber: packNumber,
	})

	tr.Start()
	logger.Info("download request accepted", "send_progress", req.SendProgress)

	// Watchdog da conexão: peer close ou 60s de inatividade (em qualquer
	// direção) desanexam o socket do registry — o transfer continua sozinho.
	activity := &connActivity{}
	activity.touch()
	go h.watchSocket(conn, activity, logger)

	h.forwardEvents(ctx, conn, entry, tr, activity, logger)
}

// connActivity registra o instante do último tráfego da conexão da API,
// em qualquer direção. Envelopes de progresso contam como atividade.
type connActivity struct {
	last atomic.Int64
}

func (a *connActivity) touch() {
	a.last.Store(time.Now().UnixNano())
}

func (a *connActivity) idleFor() time.Duration {
	return time.Since(time.Unix(0, a.last.Load()))
}

// readRequest acumula bytes até um objeto JSON completo parsear, o limite
// de bytes estourar ou a conexão ficar ociosa.
func (h *Handler) readRequest(conn net.Conn) (*Request, error) {
	buf := make([]byte, 0, 512)
	tmp := make([]byte, 1024)

	for {
		conn.SetReadDeadline(time.Now().Add(idleTimeout))
		n, err := conn.Read(tmp)
		if n > 0 {
			buf = append(buf, tmp[:n]...)
			if len(buf) > maxRequestBytes {
				return nil, fmt.Errorf("Request too large")
			}

			var req Request
			// O parser re-tenta a cada segmento: JSON partido em múltiplos
			// pacotes TCP só parseia quando o objeto fecha.
			if jerr := json.Unmarshal(buf, &req); jerr == nil {
				if verr := validate(&req); verr != nil {
					return nil, verr
				}
				return &req, nil
			}
		}
		if err != nil {
			return nil, fmt.Errorf("reading request: %w", err)
		}
	}
}

func validate(req *Request) error {
	if req.BotName == "" {
		return fmt.Errorf("bot_name is required")
	}
	if req.PackNumber == "" {
		return fmt.Errorf("pack_number is required")
	}
	pack := strings.TrimPrefix(req.PackNumber, "#")
	if pack == "" {
		return fmt.Errorf("pack_number is required")
	}
	for _, c := range pack {
		if c < '0' || c > '9' {
			return fmt.Errorf("pack_number must be numeric")
		}
	}
	return nil
}

// forwardEvents consome o canal de eventos do transfer até o terminal,
// escrevendo envelopes enquanto o socket continuar anexado.
func (h *Handler) forwardEvents(ctx context.Context, conn net.Conn, entry *registry.Entry, tr *transfer.Transfer, activity *connActivity, logger *slog.Logger) {
	// A promoção acontece no claim do SEND (ver HandleConnection): um
	// terminal com PackInfo implica entrada promovida sob (filename|port);
	// sem PackInfo a entrada nunca saiu da fila pendente.
	finish := func(ev transfer.Event) {
		if ev.Pack != nil {
			h.registry.RemoveAfter(registry.Key(ev.Pack.Filename, ev.Pack.PeerPort), registry.RemoveGrace)
		} else {
			h.registry.RemovePending(entry.BotNick, entry)
		}
		h.halfCloseAndDrop(conn)
	}

	for {
		select {
		case <-ctx.Done():
			conn.Close()
			return

		case ev, ok := <-tr.Events():
			if !ok {
				return
			}

			switch ev.Kind {
			case transfer.EventProgress:
				if !entry.SendProgress || entry.Socket() == nil {
					continue
				}
				env := progressEnvelope{
					Status:   "progress",
					Filename: ev.Pack.Filename,
					Received: ev.Received,
					Total:    ev.Pack.FileSize,
				}
				if ev.Pack.FileSize > 0 {
					pct := int(ev.Received * 100 / ev.Pack.FileSize)
					if pct > 100 {
						pct = 100
					}
					env.Progress = &pct
				}
				if err := h.writeJSON(conn, env); err != nil {
					h.registry.DetachSocket(conn)
				} else {
					activity.touch()
				}

			case transfer.EventComplete:
				if entry.Socket() != nil {
					h.writeJSON(conn, successEnvelope{
						Status:     "success",
						Filename:   ev.Pack.Filename,
						Path:       ev.Path,
						Size:       ev.Received,
						PackNumber: entry.PackNumber,
					})
				}
				logger.Info("download finished", "path", ev.Path, "size", ev.Received)
				finish(ev)
				return

			case transfer.EventError:
				if entry.Socket() != nil {
					h.writeJSON(conn, errorEnvelope{
						Status:     "error",
						Message:    ev.Err.Error(),
						PackNumber: entry.PackNumber,
					})
				}
				finish(ev)
				return
			}
		}
	}
}

// watchSocket detecta peer close ou ociosidade de 60s na conexão da API.
// Em ambos os casos o socket é desanexado e o transfer segue vivo.
// Deadlines curtos de read permitem reavaliar a atividade de escrita.
func (h *Handler) watchSocket(conn net.Conn, activity *connActivity, logger *slog.Logger) {
	buf := make([]byte, 256)
	for {
		conn.SetReadDeadline(time.Now().Add(5 * time.Second))
		_, err := conn.Read(buf)
		if err == nil {
			// Bytes extras após a requisição são ignorados.
			activity.touch()
			continue
		}

		var nerr net.Error
		if errors.As(err, &nerr) && nerr.Timeout() && activity.idleFor() < idleTimeout {
			continue
		}

		if h.registry.DetachSocket(conn) > 0 {
			logger.Info("api client went away, transfer continues")
		}
		conn.Close()
		return
	}
}

// writeJSON escreve um envelope como JSON UTF-8 terminado em newline.
func (h *Handler) writeJSON(conn net.Conn, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshaling envelope: %w", err)
	}
	data = append(data, '\n')

	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if _, err := conn.Write(data); err != nil {
		return fmt.Errorf("writing envelope: %w", err)
	}
	return nil
}

// halfCloseAndDrop faz o half-close de escrita após o flush do terminal e
// fecha o socket de vez passada a grace.
func (h *Handler) halfCloseAndDrop(conn net.Conn) {
	if tcp, ok := conn.(*net.TCPConn); ok {
		tcp.CloseWrite()
	}
	time.AfterFunc(closeGrace, func() {
		h.registry.DetachSocket(conn)
		conn.Close()
	})
}
