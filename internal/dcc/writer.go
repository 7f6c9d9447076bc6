// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package dcc

import (
	"encoding/binary"
	"fmt"
	"io"
)

// FormatResume monta o texto CTCP de um pedido de resume que segue o verbo
// DCC: RESUME <filename> <port> <offset>. O verbo é enviado à parte.
func FormatResume(filename string, port uint16, offset uint64) string {
	return fmt.Sprintf("%s %s %d %d", CmdResume, filename, port, offset)
}

// AckWriter mantém o contador cumulativo de bytes confirmados e escreve os
// frames de ACK no canal de dados: um uint32 big-endian por chegada de dados,
// com o valor acumulado módulo 2³². O contador inicia no offset de resume,
// de forma que cada ACK corresponde à posição absoluta no arquivo.
type AckWriter struct {
	w     io.Writer
	value uint32
	buf   [4]byte
}

// NewAckWriter cria um AckWriter com o contador posicionado em start.
func NewAckWriter(w io.Writer, start uint64) *AckWriter {
	return &AckWriter{
		w:     w,
		value: uint32(start), // truncamento = módulo 2³²
	}
}

// Ack soma n bytes ao contador e escreve exatamente um frame de 4 bytes.
// Deve ser chamado uma vez por chunk recebido, antes do próximo read.
func (a *AckWriter) Ack(n int) error {
	a.value += uint32(n) // overflow natural de uint32 = módulo 2³²
	binary.BigEndian.PutUint32(a.buf[:], a.value)
	if _, err := a.w.Write(a.buf[:]); err != nil {
		return fmt.Errorf("writing ack frame: %w", err)
	}
	return nil
}

// Value retorna o valor cumulativo atual do contador.
func (a *AckWriter) Value() uint32 {
	return a.value
}
