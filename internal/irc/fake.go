// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package irc

import "sync"

// FakeSession é um Session em memória para testes: registra as mensagens
// enviadas e permite injetar eventos CTCP como se viessem do wire.
type FakeSession struct {
	nick string

	mu       sync.Mutex
	privmsgs []SentMessage
	ctcps    []SentMessage
	subs     map[int]func(CtcpEvent)
	nextID   int
}

// SentMessage registra uma mensagem de saída capturada pelo fake.
type SentMessage struct {
	Target string
	Text   string
}

// NewFakeSession cria um FakeSession com o nick informado.
func NewFakeSession(nick string) *FakeSession {
	return &FakeSession{
		nick: nick,
		subs: make(map[int]func(CtcpEvent)),
	}
}

// Nick implementa Session.
func (f *FakeSession) Nick() string { return f.nick }

// Privmsg implementa Session.
func (f *FakeSession) Privmsg(target, text string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.privmsgs = append(f.privmsgs, SentMessage{Target: target, Text: text})
}

// Ctcp implementa Session.
func (f *FakeSession) Ctcp(target, verb, text string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ctcps = append(f.ctcps, SentMessage{Target: target, Text: verb + " " + text})
}

// SubscribeCtcp implementa Session.
func (f *FakeSession) SubscribeCtcp(fn func(CtcpEvent)) UnsubscribeFunc {
	f.mu.Lock()
	id := f.nextID
	f.nextID++
	f.subs[id] = fn
	f.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			f.mu.Lock()
			delete(f.subs, id)
			f.mu.Unlock()
		})
	}
}

// Emit injeta um evento CTCP para todos os assinantes, em ordem.
func (f *FakeSession) Emit(ev CtcpEvent) {
	f.mu.Lock()
	fns := make([]func(CtcpEvent), 0, len(f.subs))
	for _, fn := range f.subs {
		fns = append(fns, fn)
	}
	f.mu.Unlock()

	for _, fn := range fns {
		fn(ev)
	}
}

// Privmsgs retorna uma cópia das PRIVMSGs enviadas.
func (f *FakeSession) Privmsgs() []SentMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]SentMessage(nil), f.privmsgs...)
}

// Ctcps retorna uma cópia das mensagens CTCP enviadas.
func (f *FakeSession) Ctcps() []SentMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]SentMessage(nil), f.ctcps...)
}

// SubscriberCount retorna o número de assinaturas ativas.
func (f *FakeSession) SubscriberCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.subs)
}
