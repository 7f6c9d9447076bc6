// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package irc encapsula a sessão IRC do serviço. O engine de download a
// consome como um barramento de mensagens com duas capacidades: enviar
// PRIVMSG/CTCP para um nick e assinar eventos CTCP-PRIVMSG de entrada.
package irc

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	goirc "github.com/fluffle/goirc/client"

	"github.com/nishisan-dev/n-xdcc/internal/config"
)

// connectTimeout é o tempo máximo para registrar e entrar no canal.
const connectTimeout = 60 * time.Second

// CtcpEvent é um evento CTCP-PRIVMSG entregue aos assinantes.
type CtcpEvent struct {
	Nick    string // nick do remetente
	Target  string // destino da PRIVMSG (nosso nick para mensagens privadas)
	Payload string // payload CTCP reconstituído, ex: "DCC SEND ..."
}

// UnsubscribeFunc remove uma assinatura. Idempotente.
type UnsubscribeFunc func()

// Session é a dependência explícita que cada Transfer recebe.
// O supervisor é o dono da implementação concreta.
type Session interface {
	// Nick retorna o nick atual da sessão.
	Nick() string
	// Privmsg envia uma PRIVMSG simples para um nick ou canal.
	Privmsg(target, text string)
	// Ctcp envia uma mensagem CTCP (payload delimitado por \x01).
	Ctcp(target, verb, text string)
	// SubscribeCtcp registra um handler de eventos CTCP-PRIVMSG.
	// Eventos são entregues na ordem em que chegaram do wire.
	SubscribeCtcp(fn func(CtcpEvent)) UnsubscribeFunc
}

// Client implementa Session sobre uma conexão goirc.
type Client struct {
	cfg    config.IRCInfo
	logger *slog.Logger
	conn   *goirc.Conn

	mu     sync.Mutex
	subs   map[int]func(CtcpEvent)
	nextID int

	joined    chan struct{}
	joinedMu  sync.Once
	removers  []goirc.Remover
	closeOnce sync.Once
}

// NewClient cria um Client para o servidor e canal configurados.
func NewClient(cfg config.IRCInfo, logger *slog.Logger) *Client {
	gcfg := goirc.NewConfig(cfg.Nick)
	gcfg.Server = cfg.Server
	gcfg.Me.Ident = "nxdcc"
	gcfg.Me.Name = "n-xdcc download gateway"

	c := &Client{
		cfg:    cfg,
		logger: logger.With("component", "irc"),
		conn:   goirc.Client(gcfg),
		subs:   make(map[int]func(CtcpEvent)),
		joined: make(chan struct{}),
	}
	c.installHandlers()
	return c
}

func (c *Client) installHandlers() {
	c.removers = append(c.removers,
		c.conn.HandleFunc(goirc.CONNECTED, func(conn *goirc.Conn, line *goirc.Line) {
			c.logger.Info("irc connected", "server", c.cfg.Server, "nick", conn.Me().Nick)
			conn.Join(c.cfg.Channel)
		}),

		c.conn.HandleFunc(goirc.JOIN, func(conn *goirc.Conn, line *goirc.Line) {
			if line.Nick == conn.Me().Nick && strings.EqualFold(line.Args[0], c.cfg.Channel) {
				c.logger.Info("irc channel joined", "channel", c.cfg.Channel)
				c.joinedMu.Do(func() { close(c.joined) })
			}
		}),

		c.conn.HandleFunc(goirc.DISCONNECTED, func(conn *goirc.Conn, line *goirc.Line) {
			// Reconexão é responsabilidade de quem opera a sessão, não do
			// engine de download; aqui apenas registramos o evento.
			c.logger.Warn("irc disconnected", "server", c.cfg.Server)
		}),

		c.conn.HandleFunc(goirc.CTCP, func(conn *goirc.Conn, line *goirc.Line) {
			if len(line.Args) == 0 {
				return
			}
			// goirc separa o verbo CTCP do restante; o codec espera o
			// payload original ("DCC SEND ..."), então reconstituímos.
			// Args: [verbo, alvo, texto] — o texto só existe em Args[2:].
			payload := line.Args[0]
			if len(line.Args) >= 3 {
				payload = payload + " " + line.Text()
			}
			target := ""
			if len(line.Args) >= 2 {
				target = line.Args[1]
			}
			ev := CtcpEvent{
				Nick:    line.Nick,
				Target:  target,
				Payload: payload,
			}
			c.dispatch(ev)
		}),
	)
}

// dispatch entrega o evento a todos os assinantes, na goroutine de dispatch
// do goirc — preservando a ordem de chegada do wire.
func (c *Client) dispatch(ev CtcpEvent) {
	c.mu.Lock()
	fns := make([]func(CtcpEvent), 0, len(c.subs))
	for _, fn := range c.subs {
		fns = append(fns, fn)
	}
	c.mu.Unlock()

	for _, fn := range fns {
		fn(ev)
	}
}

// Connect conecta ao servidor IRC e bloqueia até entrar no canal configurado
// ou o contexto/timeout expirar.
func (c *Client) Connect(ctx context.Context) error {
	if err := c.conn.Connect(); err != nil {
		return fmt.Errorf("connecting to irc server %s: %w", c.cfg.Server, err)
	}

	select {
	case <-c.joined:
		return nil
	case <-ctx.Done():
		c.conn.Quit("shutting down")
		return ctx.Err()
	case <-time.After(connectTimeout):
		c.conn.Quit("join timeout")
		return fmt.Errorf("joining channel %s: timeout after %s", c.cfg.Channel, connectTimeout)
	}
}

// Close encerra a sessão com uma mensagem de quit.
func (c *Client) Close(quitMsg string) {
	c.closeOnce.Do(func() {
		for _, r := range c.removers {
			r.Remove()
		}
		if c.conn.Connected() {
			c.conn.Quit(quitMsg)
		}
	})
}

// Nick implementa Session.
func (c *Client) Nick() string {
	return c.conn.Me().Nick
}

// Privmsg implementa Session.
func (c *Client) Privmsg(target, text string) {
	c.conn.Privmsg(target, text)
}

// Ctcp implementa Session.
func (c *Client) Ctcp(target, verb, text string) {
	c.conn.Ctcp(target, verb, text)
}

// SubscribeCtcp implementa Session. O UnsubscribeFunc retornado quebra o
// ciclo entre o Transfer e seu handler; kill o descarta.
func (c *Client) SubscribeCtcp(fn func(CtcpEvent)) UnsubscribeFunc {
	c.mu.Lock()
	id := c.nextID
	c.nextID++
	c.subs[id] = fn
	c.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			delete(c.subs, id)
			c.mu.Unlock()
		})
	}
}
