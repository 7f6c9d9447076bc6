// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package transfer

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/nishisan-dev/n-xdcc/internal/irc"
	"github.com/nishisan-dev/n-xdcc/internal/store"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeBot simula o lado do bot no canal de dados: aceita uma conexão,
// escreve o payload e coleta os frames de ACK recebidos.
type fakeBot struct {
	ln    net.Listener
	port  int
	acks  chan uint32
	errCh chan error
}

func newFakeBot(t *testing.T) *fakeBot {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { ln.Close() })
	return &fakeBot{
		ln:    ln,
		port:  ln.Addr().(*net.TCPAddr).Port,
		acks:  make(chan uint32, 64),
		errCh: make(chan error, 1),
	}
}

// serve envia data em chunks e lê wantAcks frames de ACK antes de fechar.
func (b *fakeBot) serve(data []byte, chunkSize, wantAcks int) {
	go func() {
		conn, err := b.ln.Accept()
		if err != nil {
			b.errCh <- err
			return
		}
		defer conn.Close()

		go func() {
			var frame [4]byte
			for i := 0; i < wantAcks; i++ {
				if _, err := io.ReadFull(conn, frame[:]); err != nil {
					return
				}
				b.acks <- binary.BigEndian.Uint32(frame[:])
			}
		}()

		for len(data) > 0 {
			n := chunkSize
			if n > len(data) {
				n = len(data)
			}
			if _, err := conn.Write(data[:n]); err != nil {
				b.errCh <- err
				return
			}
			data = data[n:]
		}

		// Dá tempo dos ACKs chegarem antes do FIN.
		time.Sleep(50 * time.Millisecond)
		b.errCh <- nil
	}()
}

func newTestTransfer(t *testing.T, session *irc.FakeSession, dir string, resume bool) *Transfer {
	t.Helper()
	return New(Options{
		BotNick:          "Bot|A",
		PackNumber:       "7",
		Session:          session,
		Store:            store.New(dir, resume, 0),
		Logger:           testLogger(),
		ProgressInterval: 20 * time.Millisecond,
		ProgressPercent:  10,
		DisableANSI:      true,
	})
}

// collectEvents drena o canal de eventos e devolve todos até o fechamento.
func collectEvents(t *testing.T, tr *Transfer) []Event {
	t.Helper()
	var events []Event
	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-tr.Events():
			if !ok {
				return events
			}
			events = append(events, ev)
		case <-timeout:
			t.Fatalf("timed out waiting for events, got %d so far", len(events))
		}
	}
}

func terminalOf(t *testing.T, events []Event) Event {
	t.Helper()
	if len(events) == 0 {
		t.Fatal("no events emitted")
	}
	last := events[len(events)-1]
	if last.Kind != EventComplete && last.Kind != EventError {
		t.Fatalf("last event is not terminal: %v", last.Kind)
	}
	// Exatamente um terminal.
	for _, ev := range events[:len(events)-1] {
		if ev.Kind == EventComplete || ev.Kind == EventError {
			t.Fatal("more than one terminal event emitted")
		}
	}
	return last
}

func TestTransfer_FreshDownload(t *testing.T) {
	dir := t.TempDir()
	session := irc.NewFakeSession("nxdcc")
	bot := newFakeBot(t)
	payload := []byte{1, 2, 3, 4, 5}
	bot.serve(payload, len(payload), 1)

	tr := newTestTransfer(t, session, dir, true)
	tr.Start()

	// O pedido XDCC sai imediatamente.
	waitFor(t, func() bool { return len(session.Privmsgs()) > 0 })
	if msg := session.Privmsgs()[0]; msg.Target != "Bot|A" || msg.Text != "XDCC SEND #7" {
		t.Fatalf("unexpected xdcc request: %+v", msg)
	}

	session.Emit(irc.CtcpEvent{
		Nick:    "Bot|A",
		Target:  "nxdcc",
		Payload: fmt.Sprintf(`DCC SEND "a.bin" 2130706433 %d 5`, bot.port),
	})

	events := collectEvents(t, tr)
	term := terminalOf(t, events)
	if term.Kind != EventComplete {
		t.Fatalf("expected complete, got error: %v", term.Err)
	}
	if term.Path != filepath.Join(dir, "a.bin") {
		t.Errorf("unexpected final path %q", term.Path)
	}
	if term.Received != 5 {
		t.Errorf("expected received 5, got %d", term.Received)
	}
	if events[0].Kind != EventConnect {
		t.Errorf("expected first event to be connect, got %v", events[0].Kind)
	}

	data, err := os.ReadFile(filepath.Join(dir, "a.bin"))
	if err != nil {
		t.Fatalf("reading final file: %v", err)
	}
	if string(data) != "\x01\x02\x03\x04\x05" {
		t.Errorf("unexpected file content %v", data)
	}
	if _, err := os.Stat(filepath.Join(dir, "a.bin.part")); !os.IsNotExist(err) {
		t.Error("expected part file gone after promote")
	}

	// ACK cumulativo do único chunk.
	select {
	case ack := <-bot.acks:
		if ack != 5 {
			t.Errorf("expected ack 5, got %d", ack)
		}
	case <-time.After(time.Second):
		t.Error("no ack received by bot")
	}
}

func TestTransfer_ResumedDownload(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "a.bin.part"), []byte{1, 2, 3}, 0644); err != nil {
		t.Fatalf("seeding part: %v", err)
	}

	session := irc.NewFakeSession("nxdcc")
	bot := newFakeBot(t)
	bot.serve([]byte{4, 5}, 2, 1)

	tr := newTestTransfer(t, session, dir, true)
	tr.Start()

	session.Emit(irc.CtcpEvent{
		Nick:    "Bot|A",
		Target:  "nxdcc",
		Payload: fmt.Sprintf(`DCC SEND "a.bin" 2130706433 %d 5`, bot.port),
	})

	// O serviço oferece RESUME com o tamanho do .part.
	waitFor(t, func() bool { return len(session.Ctcps()) > 0 })
	resume := session.Ctcps()[0]
	wantResume := fmt.Sprintf("DCC RESUME a.bin %d 3", bot.port)
	if resume.Target != "Bot|A" || resume.Text != wantResume {
		t.Fatalf("expected resume %q, got %+v", wantResume, resume)
	}

	session.Emit(irc.CtcpEvent{
		Nick:    "Bot|A",
		Target:  "nxdcc",
		Payload: fmt.Sprintf("DCC ACCEPT a.bin %d 3", bot.port),
	})

	events := collectEvents(t, tr)
	term := terminalOf(t, events)
	if term.Kind != EventComplete {
		t.Fatalf("expected complete, got error: %v", term.Err)
	}

	data, err := os.ReadFile(filepath.Join(dir, "a.bin"))
	if err != nil {
		t.Fatalf("reading final file: %v", err)
	}
	if string(data) != "\x01\x02\x03\x04\x05" {
		t.Errorf("unexpected file content %v", data)
	}

	// ACK absoluto: resume 3 + chunk 2 = 5.
	select {
	case ack := <-bot.acks:
		if ack != 5 {
			t.Errorf("expected ack 5, got %d", ack)
		}
	case <-time.After(time.Second):
		t.Error("no ack received by bot")
	}
}

func TestTransfer_AcceptMismatch(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "a.bin.part"), make([]byte, 100), 0644); err != nil {
		t.Fatalf("seeding part: %v", err)
	}

	session := irc.NewFakeSession("nxdcc")
	tr := newTestTransfer(t, session, dir, true)
	tr.Start()

	session.Emit(irc.CtcpEvent{
		Nick:    "Bot|A",
		Target:  "nxdcc",
		Payload: `DCC SEND "a.bin" 2130706433 5000 500`,
	})
	waitFor(t, func() bool { return len(session.Ctcps()) > 0 })

	// Offset errado: oferecemos 100, o bot confirma 99.
	session.Emit(irc.CtcpEvent{
		Nick:    "Bot|A",
		Target:  "nxdcc",
		Payload: "DCC ACCEPT a.bin 5000 99",
	})

	term := terminalOf(t, collectEvents(t, tr))
	if term.Kind != EventError || !errors.Is(term.Err, ErrAcceptMismatch) {
		t.Fatalf("expected ACCEPT mismatch error, got %+v", term)
	}
	// Nenhum arquivo final produzido.
	if _, err := os.Stat(filepath.Join(dir, "a.bin")); !os.IsNotExist(err) {
		t.Error("expected no final file")
	}
}

func TestTransfer_MalformedPayloadNullPack(t *testing.T) {
	session := irc.NewFakeSession("nxdcc")
	tr := newTestTransfer(t, session, t.TempDir(), true)
	tr.Start()

	session.Emit(irc.CtcpEvent{
		Nick:    "Bot|A",
		Target:  "nxdcc",
		Payload: "DCC SEND garbage",
	})

	term := terminalOf(t, collectEvents(t, tr))
	if term.Kind != EventError {
		t.Fatal("expected error event")
	}
	if term.Pack != nil {
		t.Error("expected null pack on pre-SEND parse error")
	}
}

func TestTransfer_UnknownCommand(t *testing.T) {
	session := irc.NewFakeSession("nxdcc")
	tr := newTestTransfer(t, session, t.TempDir(), true)
	tr.Start()

	session.Emit(irc.CtcpEvent{
		Nick:    "Bot|A",
		Target:  "nxdcc",
		Payload: "DCC CHAT chat 2130706433 5000",
	})

	term := terminalOf(t, collectEvents(t, tr))
	if term.Kind != EventError {
		t.Fatal("expected error event for unknown DCC command")
	}
}

func TestTransfer_FiltersForeignCtcp(t *testing.T) {
	session := irc.NewFakeSession("nxdcc")
	tr := newTestTransfer(t, session, t.TempDir(), true)
	tr.Start()

	// Outro nick, outro target e payload não-DCC: todos ignorados.
	session.Emit(irc.CtcpEvent{Nick: "Other", Target: "nxdcc", Payload: "DCC SEND garbage"})
	session.Emit(irc.CtcpEvent{Nick: "Bot|A", Target: "someoneelse", Payload: "DCC SEND garbage"})
	session.Emit(irc.CtcpEvent{Nick: "Bot|A", Target: "nxdcc", Payload: "VERSION"})

	select {
	case ev, ok := <-tr.Events():
		if ok {
			t.Fatalf("unexpected event %+v", ev)
		}
	case <-time.After(200 * time.Millisecond):
		// Nenhum evento — filtro funcionando.
	}
	tr.Kill()
}

func TestTransfer_UnexpectedClose(t *testing.T) {
	dir := t.TempDir()
	session := irc.NewFakeSession("nxdcc")
	bot := newFakeBot(t)
	// Anuncia 5 bytes mas entrega só 3.
	bot.serve([]byte{1, 2, 3}, 3, 1)

	tr := newTestTransfer(t, session, dir, true)
	tr.Start()

	session.Emit(irc.CtcpEvent{
		Nick:    "Bot|A",
		Target:  "nxdcc",
		Payload: fmt.Sprintf(`DCC SEND "a.bin" 2130706433 %d 5`, bot.port),
	})

	term := terminalOf(t, collectEvents(t, tr))
	if term.Kind != EventError || !errors.Is(term.Err, ErrUnexpectedClose) {
		t.Fatalf("expected unexpected-close error, got %+v", term)
	}

	// O .part permanece para resume futuro.
	data, err := os.ReadFile(filepath.Join(dir, "a.bin.part"))
	if err != nil {
		t.Fatalf("reading part: %v", err)
	}
	if len(data) != 3 {
		t.Errorf("expected 3 bytes in part, got %d", len(data))
	}
}

func TestTransfer_UnknownSizeCompletesOnClose(t *testing.T) {
	dir := t.TempDir()
	session := irc.NewFakeSession("nxdcc")
	bot := newFakeBot(t)
	bot.serve([]byte{9, 9, 9}, 3, 1)

	tr := newTestTransfer(t, session, dir, true)
	tr.Start()

	// filesize 0 = desconhecido; o fechamento do peer decide a conclusão.
	session.Emit(irc.CtcpEvent{
		Nick:    "Bot|A",
		Target:  "nxdcc",
		Payload: fmt.Sprintf(`DCC SEND "a.bin" 2130706433 %d 0`, bot.port),
	})

	term := terminalOf(t, collectEvents(t, tr))
	if term.Kind != EventComplete {
		t.Fatalf("expected complete on clean close, got %+v", term)
	}
	if term.Received != 3 {
		t.Errorf("expected received 3, got %d", term.Received)
	}
}

func TestTransfer_SingleByteFile(t *testing.T) {
	dir := t.TempDir()
	session := irc.NewFakeSession("nxdcc")
	bot := newFakeBot(t)
	bot.serve([]byte{0x42}, 1, 1)

	tr := newTestTransfer(t, session, dir, true)
	tr.Start()

	session.Emit(irc.CtcpEvent{
		Nick:    "Bot|A",
		Target:  "nxdcc",
		Payload: fmt.Sprintf(`DCC SEND "a.bin" 2130706433 %d 1`, bot.port),
	})

	term := terminalOf(t, collectEvents(t, tr))
	if term.Kind != EventComplete || term.Received != 1 {
		t.Fatalf("expected single-byte complete, got %+v", term)
	}
}

func TestTransfer_ClaimRejectedSendIsIgnored(t *testing.T) {
	dir := t.TempDir()
	session := irc.NewFakeSession("nxdcc")
	bot := newFakeBot(t)
	bot.serve([]byte{1, 2, 3}, 3, 1)

	tr := newTestTransfer(t, session, dir, true)
	// Dono apenas de ours.bin: SENDs de outros arquivos do mesmo bot
	// pertencem a outra requisição em voo.
	tr.SetClaim(func(filename string, port uint16) bool {
		return filename == "ours.bin"
	})
	tr.Start()

	session.Emit(irc.CtcpEvent{
		Nick:    "Bot|A",
		Target:  "nxdcc",
		Payload: fmt.Sprintf(`DCC SEND "theirs.bin" 2130706433 %d 3`, bot.port),
	})

	// SEND alheio: nenhum evento, transfer segue aguardando o seu.
	select {
	case ev := <-tr.Events():
		t.Fatalf("unexpected event for foreign send: %+v", ev)
	case <-time.After(100 * time.Millisecond):
	}

	session.Emit(irc.CtcpEvent{
		Nick:    "Bot|A",
		Target:  "nxdcc",
		Payload: fmt.Sprintf(`DCC SEND "ours.bin" 2130706433 %d 3`, bot.port),
	})

	term := terminalOf(t, collectEvents(t, tr))
	if term.Kind != EventComplete {
		t.Fatalf("expected complete for claimed send, got %+v", term)
	}
	if term.Pack.Filename != "ours.bin" {
		t.Errorf("expected ours.bin, got %q", term.Pack.Filename)
	}
	if _, err := os.Stat(filepath.Join(dir, "theirs.bin.part")); !os.IsNotExist(err) {
		t.Error("foreign send must not touch the filesystem")
	}
}

func TestTransfer_ForeignAcceptIgnored(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "a.bin.part"), []byte{1, 2, 3}, 0644); err != nil {
		t.Fatalf("seeding part: %v", err)
	}

	session := irc.NewFakeSession("nxdcc")
	bot := newFakeBot(t)
	bot.serve([]byte{4, 5}, 2, 1)

	tr := newTestTransfer(t, session, dir, true)
	tr.Start()

	session.Emit(irc.CtcpEvent{
		Nick:    "Bot|A",
		Target:  "nxdcc",
		Payload: fmt.Sprintf(`DCC SEND "a.bin" 2130706433 %d 5`, bot.port),
	})
	waitFor(t, func() bool { return len(session.Ctcps()) > 0 })

	// ACCEPT de outro arquivo deste bot: pertence a outro transfer e não
	// pode derrubar este, que segue aguardando o próprio ACCEPT.
	session.Emit(irc.CtcpEvent{
		Nick:    "Bot|A",
		Target:  "nxdcc",
		Payload: "DCC ACCEPT other.bin 9999 42",
	})
	session.Emit(irc.CtcpEvent{
		Nick:    "Bot|A",
		Target:  "nxdcc",
		Payload: fmt.Sprintf("DCC ACCEPT a.bin %d 3", bot.port),
	})

	term := terminalOf(t, collectEvents(t, tr))
	if term.Kind != EventComplete {
		t.Fatalf("expected complete after foreign accept was ignored, got %+v", term)
	}

	data, err := os.ReadFile(filepath.Join(dir, "a.bin"))
	if err != nil || string(data) != "\x01\x02\x03\x04\x05" {
		t.Fatalf("unexpected final content %v, err=%v", data, err)
	}
}

func TestTransfer_CancelDuringNegotiation(t *testing.T) {
	session := irc.NewFakeSession("nxdcc")
	tr := newTestTransfer(t, session, t.TempDir(), true)
	tr.Start()

	waitFor(t, func() bool { return len(session.Privmsgs()) > 0 })
	tr.Cancel()

	term := terminalOf(t, collectEvents(t, tr))
	if term.Kind != EventError || !errors.Is(term.Err, ErrDownloadCanceled) {
		t.Fatalf("expected canceled error, got %+v", term)
	}

	msgs := session.Privmsgs()
	if len(msgs) < 2 || msgs[1].Text != "XDCC CANCEL" {
		t.Fatalf("expected XDCC CANCEL privmsg, got %+v", msgs)
	}
}

func TestTransfer_KillIdempotentAndUnsubscribes(t *testing.T) {
	session := irc.NewFakeSession("nxdcc")
	tr := newTestTransfer(t, session, t.TempDir(), true)
	tr.Start()

	waitFor(t, func() bool { return session.SubscriberCount() == 1 })

	tr.Kill()
	tr.Kill() // segunda chamada é no-op

	waitFor(t, func() bool { return session.SubscriberCount() == 0 })
	if !tr.Finished() {
		t.Error("expected finished after kill")
	}

	// Canal fecha após a grace; nenhum evento depois disso.
	for range tr.Events() {
		t.Error("unexpected event after kill")
	}
}

func TestTransfer_ResumeAtFullSizePromotesImmediately(t *testing.T) {
	dir := t.TempDir()
	full := []byte{1, 2, 3, 4, 5}
	if err := os.WriteFile(filepath.Join(dir, "a.bin.part"), full, 0644); err != nil {
		t.Fatalf("seeding part: %v", err)
	}

	session := irc.NewFakeSession("nxdcc")
	bot := newFakeBot(t)
	bot.serve(nil, 1, 0) // stream de 0 bytes aceito

	tr := newTestTransfer(t, session, dir, true)
	tr.Start()

	session.Emit(irc.CtcpEvent{
		Nick:    "Bot|A",
		Target:  "nxdcc",
		Payload: fmt.Sprintf(`DCC SEND "a.bin" 2130706433 %d 5`, bot.port),
	})

	waitFor(t, func() bool { return len(session.Ctcps()) > 0 })
	if want := fmt.Sprintf("DCC RESUME a.bin %d 5", bot.port); session.Ctcps()[0].Text != want {
		t.Fatalf("expected resume at full size, got %q", session.Ctcps()[0].Text)
	}

	session.Emit(irc.CtcpEvent{
		Nick:    "Bot|A",
		Target:  "nxdcc",
		Payload: fmt.Sprintf("DCC ACCEPT a.bin %d 5", bot.port),
	})

	term := terminalOf(t, collectEvents(t, tr))
	if term.Kind != EventComplete {
		t.Fatalf("expected immediate complete, got %+v", term)
	}
	data, err := os.ReadFile(filepath.Join(dir, "a.bin"))
	if err != nil || len(data) != 5 {
		t.Fatalf("expected promoted 5-byte file, err=%v", err)
	}
}

func TestTransfer_ProgressEventsFlow(t *testing.T) {
	dir := t.TempDir()
	session := irc.NewFakeSession("nxdcc")
	bot := newFakeBot(t)

	// Entrega em dois chunks com pausa para garantir ticks de progresso.
	go func() {
		conn, err := bot.ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		go io.Copy(io.Discard, conn) // drena ACKs
		conn.Write(make([]byte, 500))
		time.Sleep(100 * time.Millisecond)
		conn.Write(make([]byte, 500))
		time.Sleep(50 * time.Millisecond)
	}()

	tr := newTestTransfer(t, session, dir, true)
	tr.Start()

	session.Emit(irc.CtcpEvent{
		Nick:    "Bot|A",
		Target:  "nxdcc",
		Payload: fmt.Sprintf(`DCC SEND "big.bin" 2130706433 %d 1000`, bot.port),
	})

	events := collectEvents(t, tr)
	term := terminalOf(t, events)
	if term.Kind != EventComplete {
		t.Fatalf("expected complete, got %+v", term)
	}

	sawProgress := false
	var lastReceived uint64
	for _, ev := range events {
		if ev.Kind == EventProgress {
			sawProgress = true
			// Monotonia do contador.
			if ev.Received < lastReceived {
				t.Errorf("received regressed: %d < %d", ev.Received, lastReceived)
			}
			lastReceived = ev.Received
			if ev.Pack.FileSize > 0 && ev.Received > ev.Pack.FileSize {
				t.Errorf("received %d exceeds file size %d", ev.Received, ev.Pack.FileSize)
			}
		}
	}
	if !sawProgress {
		t.Error("expected at least one progress event")
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	if !cond() {
		t.Fatal("condition not met in time")
	}
}
