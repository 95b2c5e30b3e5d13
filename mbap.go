package main

import (
	"encoding/binary"
	"fmt"
	"io"
)

// MBAPHeader Modbus TCP 應用層標頭 (Big Endian)
type MBAPHeader struct {
	TransactionID uint16
	ProtocolID    uint16
	Length        uint16 // Unit ID + PDU 的位元組數
	UnitID        uint8
}

// Frame 一個完整的 MBAP 訊框
type Frame struct {
	Header MBAPHeader
	PDU    []byte
}

// Encode 編碼標頭
func (h MBAPHeader) Encode() []byte {
	buf := make([]byte, MBAPHeaderLength)
	binary.BigEndian.PutUint16(buf[0:], h.TransactionID)
	binary.BigEndian.PutUint16(buf[2:], h.ProtocolID)
	binary.BigEndian.PutUint16(buf[4:], h.Length)
	buf[6] = h.UnitID
	return buf
}

// validate 檢查協定 ID 與長度欄位
func (h MBAPHeader) validate() error {
	if h.ProtocolID != MBAPProtocolID {
		return fmt.Errorf("%w: 協定 ID 0x%04X 不為 0", ErrFraming, h.ProtocolID)
	}
	if h.Length < 2 {
		return fmt.Errorf("%w: 長度欄位 %d 過小", ErrFraming, h.Length)
	}
	if int(h.Length)-1 > MaxPDULength {
		return fmt.Errorf("%w: PDU 長度 %d 超過上限 %d", ErrFraming, int(h.Length)-1, MaxPDULength)
	}
	return nil
}

func decodeHeader(buf []byte) MBAPHeader {
	return MBAPHeader{
		TransactionID: binary.BigEndian.Uint16(buf[0:]),
		ProtocolID:    binary.BigEndian.Uint16(buf[2:]),
		Length:        binary.BigEndian.Uint16(buf[4:]),
		UnitID:        buf[6],
	}
}

// EncodeFrame 將 PDU 包裝成 MBAP 訊框
func EncodeFrame(transactionID uint16, unitID uint8, pdu []byte) ([]byte, error) {
	if len(pdu) == 0 {
		return nil, fmt.Errorf("%w: PDU 不可為空", ErrFraming)
	}
	if len(pdu) > MaxPDULength {
		return nil, fmt.Errorf("%w: PDU 長度 %d 超過上限 %d", ErrFraming, len(pdu), MaxPDULength)
	}

	header := MBAPHeader{
		TransactionID: transactionID,
		ProtocolID:    MBAPProtocolID,
		Length:        uint16(len(pdu) + 1),
		UnitID:        unitID,
	}

	adu := make([]byte, 0, MBAPHeaderLength+len(pdu))
	adu = append(adu, header.Encode()...)
	adu = append(adu, pdu...)
	return adu, nil
}

// DecodeFrame 解碼一個完整的 ADU，長度欄位必須等於 1+len(PDU)
func DecodeFrame(adu []byte) (Frame, error) {
	if len(adu) < MBAPHeaderLength {
		return Frame{}, fmt.Errorf("%w: 訊框長度 %d 小於標頭長度", ErrFraming, len(adu))
	}

	header := decodeHeader(adu)
	if err := header.validate(); err != nil {
		return Frame{}, err
	}

	pdu := adu[MBAPHeaderLength:]
	if int(header.Length) != len(pdu)+1 {
		return Frame{}, fmt.Errorf("%w: 長度欄位 %d 與實際 %d 不符", ErrFraming, header.Length, len(pdu)+1)
	}

	out := make([]byte, len(pdu))
	copy(out, pdu)
	return Frame{Header: header, PDU: out}, nil
}

// FramerState 解框狀態
type FramerState int

const (
	FramerAwaitingHeader FramerState = iota
	FramerHaveHeader
	FramerAwaitingBody
	FramerFrameComplete
	FramerFailed
)

func (s FramerState) String() string {
	switch s {
	case FramerAwaitingHeader:
		return "awaiting_header"
	case FramerHaveHeader:
		return "have_header"
	case FramerAwaitingBody:
		return "awaiting_body"
	case FramerFrameComplete:
		return "frame_complete"
	case FramerFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Framer 串流解框器
//
// 位元組可以任意切分後送入 Feed，Framer 會緩衝直到標頭與本體完整。
// HaveHeader 與 FrameComplete 為過渡狀態，Feed 返回時只會停在
// AwaitingHeader、AwaitingBody 或 Failed。Failed 之後不再接受資料。
type Framer struct {
	state  FramerState
	buf    []byte
	header MBAPHeader
	err    error
}

// NewFramer 建立解框器
func NewFramer() *Framer {
	return &Framer{
		state: FramerAwaitingHeader,
		buf:   make([]byte, 0, ModbusTCPMaxADULength),
	}
}

// State 取得目前狀態
func (f *Framer) State() FramerState {
	return f.state
}

// Buffered 取得尚未組成訊框的位元組數
func (f *Framer) Buffered() int {
	return len(f.buf)
}

// Feed 送入新的位元組，回傳所有已完整的訊框
func (f *Framer) Feed(data []byte) ([]Frame, error) {
	if f.state == FramerFailed {
		return nil, f.err
	}
	f.buf = append(f.buf, data...)

	var frames []Frame
	for {
		switch f.state {
		case FramerAwaitingHeader:
			if len(f.buf) < MBAPHeaderLength {
				return frames, nil
			}
			header := decodeHeader(f.buf)
			if err := header.validate(); err != nil {
				f.fail(err)
				return frames, err
			}
			f.header = header
			f.state = FramerHaveHeader

		case FramerHaveHeader:
			f.state = FramerAwaitingBody

		case FramerAwaitingBody:
			total := MBAPHeaderLength + int(f.header.Length) - 1
			if len(f.buf) < total {
				return frames, nil
			}
			pdu := make([]byte, total-MBAPHeaderLength)
			copy(pdu, f.buf[MBAPHeaderLength:total])
			frames = append(frames, Frame{Header: f.header, PDU: pdu})
			f.buf = append(f.buf[:0], f.buf[total:]...)
			f.state = FramerFrameComplete

		case FramerFrameComplete:
			f.header = MBAPHeader{}
			f.state = FramerAwaitingHeader

		default:
			return frames, f.err
		}
	}
}

func (f *Framer) fail(err error) {
	f.state = FramerFailed
	f.err = err
	f.buf = nil
}

// FrameReader 從 io.Reader 逐一讀出完整訊框
type FrameReader struct {
	r       io.Reader
	framer  *Framer
	pending []Frame
	buf     []byte
	n       int // 已讀取的位元組總數
}

// NewFrameReader 建立訊框讀取器
func NewFrameReader(r io.Reader) *FrameReader {
	return &FrameReader{
		r:      r,
		framer: NewFramer(),
		buf:    make([]byte, ModbusTCPMaxADULength),
	}
}

// Next 讀取下一個訊框；讀取錯誤會在已緩衝的訊框都交出後才回傳
func (fr *FrameReader) Next() (Frame, error) {
	for len(fr.pending) == 0 {
		if fr.framer.State() == FramerFailed {
			return Frame{}, fr.framer.err
		}

		n, readErr := fr.r.Read(fr.buf)
		if n > 0 {
			fr.n += n
			frames, err := fr.framer.Feed(fr.buf[:n])
			fr.pending = append(fr.pending, frames...)
			if err != nil && len(fr.pending) == 0 {
				return Frame{}, err
			}
		}
		if readErr != nil && len(fr.pending) == 0 {
			if readErr == io.EOF && fr.framer.Buffered() > 0 {
				return Frame{}, fmt.Errorf("%w: 連線在訊框中途關閉", io.ErrUnexpectedEOF)
			}
			return Frame{}, readErr
		}
	}

	frame := fr.pending[0]
	fr.pending = fr.pending[1:]
	return frame, nil
}

// BytesRead 取得已讀取的位元組總數
func (fr *FrameReader) BytesRead() int {
	return fr.n
}

// Pending 取得已解析但尚未交出的訊框數
func (fr *FrameReader) Pending() int {
	return len(fr.pending)
}
