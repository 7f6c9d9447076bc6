// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package transfer

import (
	"fmt"
	"math"
	"os"
	"strings"
	"sync"
	"time"
)

// progressReporter dirige o timer de progresso de um Transfer: a cada tick
// publica um evento de progresso e espelha uma linha no sink de log.
// Envelopes para o client saem em todo tick; a entrada estruturada de log
// é limitada aos múltiplos da granularidade configurada (ou 100%).
type progressReporter struct {
	t           *Transfer
	interval    time.Duration
	granularity int
	disableANSI bool

	lastReceived uint64
	lastLogged   int

	startOnce sync.Once
	stopOnce  sync.Once
	done      chan struct{}
	wg        sync.WaitGroup
}

func newProgressReporter(t *Transfer, interval time.Duration, granularity int, disableANSI bool) *progressReporter {
	if interval <= 0 {
		interval = time.Second
	}
	if granularity <= 0 || granularity > 100 {
		granularity = 10
	}
	return &progressReporter{
		t:           t,
		interval:    interval,
		granularity: granularity,
		disableANSI: disableANSI,
		lastLogged:  -1,
		done:        make(chan struct{}),
	}
}

// start dispara a goroutine do ticker. Chamado quando o canal de dados abre.
func (p *progressReporter) start() {
	p.startOnce.Do(func() {
		p.wg.Add(1)
		go p.run()
	})
}

// stop encerra o ticker e aguarda a goroutine terminar; após o retorno
// nenhum evento de progresso é mais emitido.
func (p *progressReporter) stop() {
	p.stopOnce.Do(func() {
		close(p.done)
	})
	p.wg.Wait()
}

func (p *progressReporter) run() {
	defer p.wg.Done()

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-p.done:
			return
		case <-ticker.C:
			p.tick()
		}
	}
}

// tick computa percent, velocidades e ETA, publica o evento de progresso
// e espelha a linha no sink de log.
func (p *progressReporter) tick() {
	info := p.t.Pack()
	if info == nil {
		return
	}
	received := p.t.Received()
	elapsed := time.Since(p.t.StartTime()).Seconds()

	speedRecent := float64(received-p.lastReceived) / p.interval.Seconds()
	p.lastReceived = received

	var speedAvg float64
	if elapsed > 0 {
		speedAvg = float64(received) / elapsed
	}

	percent := -1
	eta := math.Inf(1)
	if info.FileSize > 0 {
		percent = int(received * 100 / info.FileSize)
		if percent > 100 {
			percent = 100
		}
		denom := speedRecent
		if denom <= 0 {
			denom = speedAvg
		}
		if denom > 0 {
			eta = float64(info.FileSize-received) / denom
		}
	}

	p.t.emit(Event{Kind: EventProgress, Pack: info, Received: received})
	p.render(info.Filename, received, info.FileSize, percent, speedRecent, speedAvg, eta)
}

// render espelha o progresso no sink de log. Com ANSI habilitado a linha é
// reescrita com '\r' no terminal; desabilitado, a saída vira entradas
// estruturadas limitadas à granularidade — adequado a log drivers de
// container que gravam linha a linha.
func (p *progressReporter) render(filename string, received, total uint64, percent int, speedRecent, speedAvg, eta float64) {
	if p.disableANSI {
		if percent >= 0 && (percent%p.granularity == 0 || percent == 100) && percent != p.lastLogged {
			p.lastLogged = percent
			p.t.logger.Info("PROGRESS",
				"filename", filename,
				"percent", percent,
				"received", received,
				"total", total,
				"speed", formatBytes(int64(speedRecent))+"/s",
				"speed_avg", formatBytes(int64(speedAvg))+"/s",
				"eta", formatETA(eta),
			)
		}
		return
	}

	line := fmt.Sprintf("\r[%s] %s", filename, formatBytes(int64(received)))
	if percent >= 0 {
		line += fmt.Sprintf(" (%d%%)", percent)
	}
	line += fmt.Sprintf("  │  %s/s  │  ETA %s", formatBytes(int64(speedRecent)), formatETA(eta))

	// Pad com espaços para limpar restos de linha anterior
	if len(line) < 100 {
		line += strings.Repeat(" ", 100-len(line))
	}
	fmt.Fprint(os.Stderr, line)
}

// formatBytes formata bytes em unidades legíveis.
func formatBytes(b int64) string {
	switch {
	case b >= 1024*1024*1024:
		return fmt.Sprintf("%.1f GB", float64(b)/(1024*1024*1024))
	case b >= 1024*1024:
		return fmt.Sprintf("%.1f MB", float64(b)/(1024*1024))
	case b >= 1024:
		return fmt.Sprintf("%.1f KB", float64(b)/1024)
	default:
		return fmt.Sprintf("%d B", b)
	}
}

// formatETA formata a estimativa em M:SS ou H:MM:SS; infinito vira "∞".
func formatETA(etaSec float64) string {
	if math.IsInf(etaSec, 1) || etaSec < 0 {
		return "∞"
	}
	d := time.Duration(etaSec * float64(time.Second)).Round(time.Second)
	h := int(d.Hours())
	m := int(d.Minutes()) % 60
	s := int(d.Seconds()) % 60
	if h > 0 {
		return fmt.Sprintf("%d:%02d:%02d", h, m, s)
	}
	return fmt.Sprintf("%d:%02d", m, s)
}
