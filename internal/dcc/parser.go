// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package dcc

import (
	"regexp"
	"strconv"
	"strings"
)

// messageRe captura: comando, filename (aspas opcionais, qualquer mistura
// de " e ' — inclusive pares desbalanceados, que aparecem em bots reais),
// dois campos numéricos obrigatórios e um terceiro opcional.
var messageRe = regexp.MustCompile(`^DCC (\S+) ["']?(.+?)["']? (\d+) (\d+)(?: (\d+))?\s*$`)

// Parse interpreta um payload CTCP como mensagem DCC.
// Retorna *SendMessage ou *AcceptMessage; qualquer outro comando produz
// UnknownCommandError e payloads fora da gramática produzem ErrBadGrammar.
func Parse(payload string) (interface{}, error) {
	m := messageRe.FindStringSubmatch(payload)
	if m == nil {
		return nil, ErrBadGrammar
	}

	cmd := strings.ToUpper(m[1])
	filename := m[2]

	switch cmd {
	case CmdSend:
		// SEND: DCC SEND <filename> <ip_u32> <port> <filesize>
		// O campo de filesize é obrigatório (0 é legal e significa desconhecido).
		if m[5] == "" {
			return nil, ErrMissingSize
		}
		ipRaw, err := strconv.ParseUint(m[3], 10, 32)
		if err != nil {
			return nil, ErrInvalidAddress
		}
		port, err := parsePort(m[4])
		if err != nil {
			return nil, err
		}
		size, err := strconv.ParseUint(m[5], 10, 64)
		if err != nil {
			return nil, ErrBadGrammar
		}
		return &SendMessage{
			Filename: filename,
			PeerIP:   Uint32ToIP(uint32(ipRaw)),
			PeerPort: port,
			FileSize: size,
		}, nil

	case CmdAccept:
		// ACCEPT: DCC ACCEPT <filename> <port> <offset>
		port, err := parsePort(m[3])
		if err != nil {
			return nil, err
		}
		offset, err := strconv.ParseUint(m[4], 10, 64)
		if err != nil {
			return nil, ErrBadGrammar
		}
		return &AcceptMessage{
			Filename: filename,
			Port:     port,
			Offset:   offset,
		}, nil

	default:
		return nil, &UnknownCommandError{Command: cmd}
	}
}

// IsDCC indica se um payload CTCP deve ser tratado por este codec.
func IsDCC(payload string) bool {
	return strings.HasPrefix(payload, Prefix)
}

func parsePort(s string) (uint16, error) {
	n, err := strconv.ParseUint(s, 10, 16)
	if err != nil || n == 0 {
		return 0, ErrInvalidPort
	}
	return uint16(n), nil
}
