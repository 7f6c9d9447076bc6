// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package transfer implementa o engine de download DCC: a negociação
// carregada em CTCP (SEND / RESUME / ACCEPT), o canal de dados TCP com o
// protocolo de acknowledgment, a máquina de resume sobre arquivos parciais
// e o reporter de progresso. Cada Transfer é dono exclusivo do seu socket,
// do seu stream de escrita, do seu timer e da sua assinatura CTCP.
package transfer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nishisan-dev/n-xdcc/internal/dcc"
	"github.com/nishisan-dev/n-xdcc/internal/irc"
	"github.com/nishisan-dev/n-xdcc/internal/store"
)

// Estados da negociação.
const (
	StateInit        = "init"
	StateAwaitSend   = "await_send"
	StateAwaitAccept = "await_accept"
	StateDownloading = "downloading"
	StateDone        = "done"
)

// dataIdleTimeout é o tempo máximo sem dados no canal TCP antes de abortar.
const dataIdleTimeout = 60 * time.Second

// dialTimeout limita a abertura do canal de dados com o bot.
const dialTimeout = 30 * time.Second

// killGrace é a espera antes de fechar o canal de eventos no kill,
// dando tempo do envelope terminal ser drenado pelo front-end.
const killGrace = 200 * time.Millisecond

// eventBufSize dimensiona o canal de eventos; progresso excedente é
// descartado na hora, eventos terminais esperam até killGrace por espaço.
const eventBufSize = 128

// ctcpBufSize dimensiona a fila de eventos CTCP vindos da sessão IRC.
const ctcpBufSize = 32

// readBufSize é o tamanho do buffer de leitura do canal de dados.
const readBufSize = 32 * 1024

// Mensagens de erro expostas ao client da API.
var (
	ErrAcceptMismatch   = errors.New("ACCEPT parameters mismatch")
	ErrUnexpectedClose  = errors.New("Server unexpectedly closed connection")
	ErrDownloadCanceled = errors.New("download canceled")
	ErrDataIdle         = errors.New("no data received for 60s on data channel")
)

// EventKind identifica o tipo de um evento de Transfer.
type EventKind int

const (
	// EventConnect sinaliza que o canal de dados foi aberto.
	EventConnect EventKind = iota
	// EventProgress é emitido a cada tick do timer de progresso.
	EventProgress
	// EventComplete é o terminal de sucesso: arquivo renomeado.
	EventComplete
	// EventError é o terminal de falha.
	EventError
)

// Event é a soma de tipos entregue pelo canal de eventos do Transfer.
// Pack pode ser nil em erros anteriores ao SEND (null-pack error).
type Event struct {
	Kind     EventKind
	Pack     *dcc.PackInfo
	Received uint64
	Path     string // EventComplete: caminho final do arquivo
	Err      error  // EventError
}

// Options parametriza um Transfer.
type Options struct {
	BotNick          string
	PackNumber       string
	Session          irc.Session
	Store            *store.Store
	Logger           *slog.Logger
	ProgressInterval time.Duration
	ProgressPercent  int  // granularidade do throttle de log
	DisableANSI      bool // linha completa por tick em vez de '\r'

	// OnComplete, quando definido, é chamado com o caminho final após o
	// terminal de sucesso (ex.: hook de upload offsite).
	OnComplete func(path string)
}

// Transfer é um download ativo: negociação, canal de dados e progresso.
type Transfer struct {
	bot     string
	pack    string
	session irc.Session
	store   *store.Store
	logger  *slog.Logger

	events chan Event
	ctcpCh chan irc.CtcpEvent

	ctx    context.Context
	cancel context.CancelFunc

	// Estado da negociação, mutado apenas pela goroutine run().
	state         string
	info          *dcc.PackInfo
	offeredResume uint64

	received  atomic.Uint64
	startTime time.Time
	cancelled atomic.Bool
	finished  atomic.Bool

	mu    sync.Mutex
	unsub irc.UnsubscribeFunc
	conn  net.Conn
	part  *store.PartFile

	reporter   *progressReporter
	onComplete func(path string)
	claim      func(filename string, port uint16) bool

	terminalOnce sync.Once
	killOnce     sync.Once
}

// New cria um Transfer pronto para Start.
func New(opts Options) *Transfer {
	ctx, cancel := context.WithCancel(context.Background())
	t := &Transfer{
		bot:        opts.BotNick,
		pack:       opts.PackNumber,
		session:    opts.Session,
		store:      opts.Store,
		logger:     opts.Logger.With("component", "transfer", "bot", opts.BotNick, "pack", opts.PackNumber),
		events:     make(chan Event, eventBufSize),
		ctcpCh:     make(chan irc.CtcpEvent, ctcpBufSize),
		ctx:        ctx,
		cancel:     cancel,
		state:      StateInit,
		startTime:  time.Now(),
		onComplete: opts.OnComplete,
	}
	t.reporter = newProgressReporter(t, opts.ProgressInterval, opts.ProgressPercent, opts.DisableANSI)
	return t
}

// Events retorna o canal de eventos. É fechado pelo kill após a grace.
func (t *Transfer) Events() <-chan Event {
	return t.events
}

// Received retorna o contador cumulativo de bytes (posição no arquivo).
func (t *Transfer) Received() uint64 {
	return t.received.Load()
}

// Pack retorna o PackInfo negociado, ou nil antes do SEND.
func (t *Transfer) Pack() *dcc.PackInfo {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.info
}

// StartTime retorna o instante de criação do Transfer.
func (t *Transfer) StartTime() time.Time {
	return t.startTime
}

// Finished indica se o Transfer já emitiu seu evento terminal.
func (t *Transfer) Finished() bool {
	return t.finished.Load()
}

// SetClaim define o hook de roteamento de DCC SENDs: chamado com o
// (filename, port) anunciado, retorna true somente quando ESTE transfer é o
// dono daquele SEND. Um mesmo bot pode ter múltiplos transfers em voo e a
// resposta não carrega o número do pack, então a posse é resolvida pelo
// registry (requisição mais antiga primeiro, um dono por SEND).
// Deve ser chamado antes de Start(). Sem o hook, todo SEND filtrado é aceito.
func (t *Transfer) SetClaim(fn func(filename string, port uint16) bool) {
	t.claim = fn
}

// Start assina os eventos CTCP, envia o pedido XDCC e dispara a goroutine
// da negociação. Panics dentro do Transfer são contidos na fronteira da
// goroutine e convertidos em evento de erro.
func (t *Transfer) Start() {
	unsub := t.session.SubscribeCtcp(t.onCtcp)
	t.mu.Lock()
	t.unsub = unsub
	t.mu.Unlock()

	go func() {
		defer func() {
			if r := recover(); r != nil {
				t.logger.Error("transfer panic recovered", "panic", r)
				t.fail(fmt.Errorf("internal transfer error: %v", r))
			}
		}()
		t.run()
	}()
}

// Cancel envia XDCC CANCEL ao bot e encerra o Transfer. O fechamento do
// peer que se segue é tratado como caminho de cancelamento, não como erro.
func (t *Transfer) Cancel() {
	if t.finished.Load() || !t.cancelled.CompareAndSwap(false, true) {
		return
	}
	t.session.Privmsg(t.bot, "XDCC CANCEL")

	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()

	if conn != nil {
		// O pump detecta o fechamento e emite o terminal de cancelamento.
		conn.Close()
		return
	}
	// Ainda em negociação: não há pump para reagir, o terminal sai daqui.
	t.fail(ErrDownloadCanceled)
}

// onCtcp filtra os eventos da sessão: somente mensagens DCC do bot esperado
// endereçadas ao nosso nick entram na fila da negociação. SENDs passam pelo
// claim ainda na goroutine de dispatch — que entrega cada evento a todos os
// assinantes em sequência — garantindo que cada SEND tem exatamente um dono
// e que a ordem de chegada decide a atribuição.
func (t *Transfer) onCtcp(ev irc.CtcpEvent) {
	if ev.Nick != t.bot || ev.Target != t.session.Nick() || !dcc.IsDCC(ev.Payload) {
		return
	}

	if t.claim != nil {
		if msg, err := dcc.Parse(trimCtcpPayload(ev.Payload)); err == nil {
			if send, ok := msg.(*dcc.SendMessage); ok && !t.claim(send.Filename, send.PeerPort) {
				// SEND de outro transfer deste bot (ou duplicado): ignora.
				t.logger.Debug("send not claimed, ignoring", "filename", send.Filename, "port", send.PeerPort)
				return
			}
		}
		// Payloads fora da gramática seguem para a goroutine run, que emite
		// o erro vinculado ao PackInfo corrente.
	}

	select {
	case t.ctcpCh <- ev:
	case <-t.ctx.Done():
	default:
		t.logger.Warn("ctcp queue full, dropping event", "payload", ev.Payload)
	}
}

// run executa a negociação como uma sequência linear sob uma única
// goroutine: AWAIT_SEND → (AWAIT_ACCEPT) → DOWNLOADING.
func (t *Transfer) run() {
	t.session.Privmsg(t.bot, fmt.Sprintf("XDCC SEND #%s", t.pack))
	t.state = StateAwaitSend
	t.logger.Debug("xdcc send requested")

	for {
		select {
		case <-t.ctx.Done():
			return
		case ev := <-t.ctcpCh:
			payload := trimCtcpPayload(ev.Payload)
			msg, err := dcc.Parse(payload)
			if err != nil {
				// Erro vinculado ao PackInfo corrente — possivelmente nulo
				// quando ainda não houve SEND.
				t.fail(fmt.Errorf("parsing DCC message: %w", err))
				return
			}

			switch m := msg.(type) {
			case *dcc.SendMessage:
				if t.state != StateAwaitSend {
					t.logger.Debug("ignoring DCC SEND outside AWAIT_SEND", "state", t.state)
					continue
				}
				if t.handleSend(m) {
					return // download() já rodou até o fim
				}

			case *dcc.AcceptMessage:
				if t.state != StateAwaitAccept {
					t.logger.Debug("ignoring DCC ACCEPT outside AWAIT_ACCEPT", "state", t.state)
					continue
				}
				if t.handleAccept(m) {
					return
				}
			}
		}
	}
}

// handleSend processa o DCC SEND: monta o PackInfo, prepara o diretório,
// inspeciona o .part e decide entre RESUME e download direto.
// Retorna true quando a negociação terminou (download executado ou erro).
func (t *Transfer) handleSend(m *dcc.SendMessage) bool {
	info := &dcc.PackInfo{
		Filename: m.Filename,
		PeerIP:   m.PeerIP,
		PeerPort: m.PeerPort,
		FileSize: m.FileSize,
	}
	t.mu.Lock()
	t.info = info
	t.mu.Unlock()

	t.logger.Info("pack offered",
		"filename", info.Filename,
		"peer", info.Addr(),
		"size", info.FileSize,
	)

	if err := t.store.EnsureDir(); err != nil {
		t.fail(err)
		return true
	}

	offset, err := t.store.ResumeOffset(info.Filename)
	if err != nil {
		t.fail(err)
		return true
	}

	if offset > 0 {
		// Há um .part aproveitável: oferece RESUME e espera o ACCEPT.
		t.offeredResume = offset
		t.state = StateAwaitAccept
		t.session.Ctcp(t.bot, "DCC", dcc.FormatResume(info.Filename, info.PeerPort, offset))
		t.logger.Info("resume offered", "filename", info.Filename, "offset", offset)
		return false
	}

	t.download()
	return true
}

// handleAccept valida o DCC ACCEPT contra a oferta de resume pendente.
// Um ACCEPT de outro arquivo pertence a outro transfer deste bot e é
// ignorado; um ACCEPT do NOSSO arquivo com port ou offset divergente é o
// erro de mismatch. Retorna true quando a negociação terminou.
func (t *Transfer) handleAccept(m *dcc.AcceptMessage) bool {
	info := t.Pack()

	if m.Filename != info.Filename {
		t.logger.Debug("accept for another transfer, ignoring",
			"got_filename", m.Filename, "want_filename", info.Filename)
		return false
	}

	if m.Port != info.PeerPort || m.Offset != t.offeredResume {
		t.logger.Warn("accept mismatch",
			"got_filename", m.Filename, "got_port", m.Port, "got_offset", m.Offset,
			"want_filename", info.Filename, "want_port", info.PeerPort, "want_offset", t.offeredResume,
		)
		t.fail(ErrAcceptMismatch)
		return true
	}

	// ResumePos só é atualizado com a confirmação do bot.
	t.mu.Lock()
	t.info.ResumePos = m.Offset
	t.mu.Unlock()

	t.download()
	return true
}

// download abre o canal de dados e bombeia bytes para o .part, escrevendo
// um frame de ACK por chegada — bytes por bytes, sem batching.
func (t *Transfer) download() {
	info := t.Pack()
	t.state = StateDownloading

	conn, err := net.DialTimeout("tcp", info.Addr(), dialTimeout)
	if err != nil {
		t.fail(fmt.Errorf("connecting to data channel %s: %w", info.Addr(), err))
		return
	}

	part, err := t.store.OpenAppend(t.ctx, info.Filename)
	if err != nil {
		conn.Close()
		t.fail(err)
		return
	}

	t.mu.Lock()
	t.conn = conn
	t.part = part
	t.mu.Unlock()

	t.received.Store(info.ResumePos)
	t.emit(Event{Kind: EventConnect, Pack: info, Received: info.ResumePos})
	t.reporter.start()

	t.logger.Info("data channel open",
		"peer", info.Addr(),
		"resume_pos", info.ResumePos,
	)

	ack := dcc.NewAckWriter(conn, info.ResumePos)
	buf := make([]byte, readBufSize)

	for {
		if info.FileSize > 0 && t.received.Load() >= info.FileSize {
			// Arquivo completo; bots encerram do lado deles, mas não há
			// motivo para esperar o FIN.
			t.complete(info)
			return
		}

		conn.SetReadDeadline(time.Now().Add(dataIdleTimeout))
		n, err := conn.Read(buf)

		if n > 0 {
			chunk := uint64(n)
			if info.FileSize > 0 && t.received.Load()+chunk > info.FileSize {
				t.fail(fmt.Errorf("peer sent more data than the advertised size %d", info.FileSize))
				return
			}
			if _, werr := part.Write(buf[:n]); werr != nil {
				t.fail(fmt.Errorf("writing partial file: %w", werr))
				return
			}
			t.received.Add(chunk)

			// O ACK do range recebido precede o próximo read.
			if aerr := ack.Ack(n); aerr != nil {
				t.fail(aerr)
				return
			}
		}

		if err != nil {
			t.handleReadEnd(info, err)
			return
		}
	}
}

// handleReadEnd decide o desfecho quando o read do canal de dados retorna erro.
func (t *Transfer) handleReadEnd(info *dcc.PackInfo, err error) {
	received := t.received.Load()

	if isClose(err) {
		switch {
		case info.FileSize > 0 && received == info.FileSize:
			t.complete(info)
		case t.cancelled.Load():
			t.fail(ErrDownloadCanceled)
		case info.FileSize == 0:
			// Tamanho desconhecido: o fechamento do peer decide a conclusão.
			t.complete(info)
		default:
			t.fail(ErrUnexpectedClose)
		}
		return
	}

	if t.cancelled.Load() {
		t.fail(ErrDownloadCanceled)
		return
	}

	var nerr net.Error
	if errors.As(err, &nerr) && nerr.Timeout() {
		t.fail(ErrDataIdle)
		return
	}

	t.fail(fmt.Errorf("reading data channel: %w", err))
}

// complete faz o flush, promove o .part e emite o terminal de sucesso.
func (t *Transfer) complete(info *dcc.PackInfo) {
	t.mu.Lock()
	part := t.part
	t.mu.Unlock()

	// O terminal só sai depois dos bytes estarem entregues ao OS.
	if part != nil {
		if err := part.Sync(); err != nil {
			t.fail(fmt.Errorf("flushing partial file: %w", err))
			return
		}
		if err := part.Close(); err != nil {
			t.fail(fmt.Errorf("closing partial file: %w", err))
			return
		}
		t.mu.Lock()
		t.part = nil
		t.mu.Unlock()
	}

	finalPath, err := t.store.Promote(info.Filename)
	if err != nil {
		// Rename falhou: o .part fica no lugar e o terminal é de erro.
		t.fail(err)
		return
	}

	received := t.received.Load()
	t.logger.Info("download complete",
		"filename", info.Filename,
		"path", finalPath,
		"size", received,
		"elapsed", time.Since(t.startTime).Round(time.Millisecond),
	)

	t.terminalOnce.Do(func() {
		t.sendEvent(Event{Kind: EventComplete, Pack: info, Received: received, Path: finalPath})
	})
	if t.onComplete != nil {
		go t.onComplete(finalPath)
	}
	t.Kill()
}

// fail emite o terminal de erro (no máximo um) e mata o Transfer.
func (t *Transfer) fail(err error) {
	t.terminalOnce.Do(func() {
		t.logger.Error("download failed", "error", err)
		t.sendEvent(Event{Kind: EventError, Pack: t.Pack(), Received: t.received.Load(), Err: err})
	})
	t.Kill()
}

// emit publica um evento não-terminal; descarta se o buffer estiver cheio.
func (t *Transfer) emit(ev Event) {
	if t.finished.Load() {
		return
	}
	select {
	case t.events <- ev:
	default:
	}
}

// sendEvent publica um evento terminal, esperando até killGrace por espaço
// no buffer; passado esse prazo o evento é descartado com um warning.
func (t *Transfer) sendEvent(ev Event) {
	select {
	case t.events <- ev:
	case <-time.After(killGrace):
		t.logger.Warn("terminal event not drained in time", "kind", ev.Kind)
	}
}

// Kill encerra o Transfer de forma idempotente: para o timer de progresso,
// solta a assinatura CTCP, fecha socket e stream de escrita e, após uma
// curta grace, fecha o canal de eventos.
func (t *Transfer) Kill() {
	t.killOnce.Do(func() {
		t.finished.Store(true)
		t.cancel()
		t.reporter.stop()

		t.mu.Lock()
		unsub := t.unsub
		conn := t.conn
		part := t.part
		t.unsub = nil
		t.conn = nil
		t.part = nil
		t.mu.Unlock()

		if unsub != nil {
			unsub()
		}
		if conn != nil {
			conn.Close()
		}
		if part != nil {
			part.Close()
		}

		go func() {
			time.Sleep(killGrace)
			close(t.events)
		}()
	})
}

// trimCtcpPayload remove os delimitadores \x01 quando presentes.
func trimCtcpPayload(p string) string {
	for len(p) > 0 && p[0] == 0x01 {
		p = p[1:]
	}
	for len(p) > 0 && p[len(p)-1] == 0x01 {
		p = p[:len(p)-1]
	}
	return p
}

// isClose reconhece o fim do stream: EOF do peer ou o fechamento local
// do socket feito pelo próprio kill/cancel.
func isClose(err error) bool {
	return errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed)
}
