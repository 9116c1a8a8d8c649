// SPDX-License-Identifier: MIT
package udp

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	applog "doppler/internal/log"
	"doppler/internal/session"
	"doppler/internal/transport"
)

var logger = applog.New("udp")

// PacketSize is the encoded length of a status packet.
const PacketSize = 4 + 8 + 1 + 4 + 4 + 3

// StatusProvider supplies the latest session summary.
type StatusProvider interface {
	Status() transport.Status
}

// State codes carried in the packet.
const (
	StateIdle uint8 = iota
	StateAcquiring
	StateCollecting
	StateStopped
	StateEstimating
	StateResulted
)

func stateCode(s session.State) uint8 {
	switch s {
	case session.AcquiringInput:
		return StateAcquiring
	case session.Collecting:
		return StateCollecting
	case session.Stopped:
		return StateStopped
	case session.Estimating:
		return StateEstimating
	case session.Resulted:
		return StateResulted
	default:
		return StateIdle
	}
}

// UDPPublisher periodically packs the session status into a fixed-size
// binary packet and sends it with a UDPSender.
type UDPPublisher struct {
	sender   *UDPSender
	status   StatusProvider
	interval time.Duration

	ticker   *time.Ticker
	doneChan chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
	mu       sync.Mutex // Guards ticker and doneChan.

	sequenceNum  uint32
	packetBuffer *bytes.Buffer
	now          func() time.Time
}

// NewUDPPublisher creates a publisher. Intervals <= 0 default to 100ms.
func NewUDPPublisher(interval time.Duration, sender *UDPSender, status StatusProvider) (*UDPPublisher, error) {
	if sender == nil {
		return nil, fmt.Errorf("udp publisher: sender cannot be nil")
	}
	if status == nil {
		return nil, fmt.Errorf("udp publisher: status provider cannot be nil")
	}
	if interval <= 0 {
		interval = 100 * time.Millisecond
		logger.Warnf("invalid interval, defaulting to %s", interval)
	}

	return &UDPPublisher{
		sender:       sender,
		status:       status,
		interval:     interval,
		packetBuffer: bytes.NewBuffer(make([]byte, 0, PacketSize)),
		now:          time.Now,
	}, nil
}

// Start launches the publishing goroutine. Calling Start while running is a no-op.
func (p *UDPPublisher) Start() {
	p.mu.Lock()
	if p.ticker != nil {
		p.mu.Unlock()
		logger.Warnf("start called but already running")
		return
	}

	p.ticker = time.NewTicker(p.interval)
	p.doneChan = make(chan struct{})
	p.stopOnce = sync.Once{}

	ticker := p.ticker
	doneChan := p.doneChan
	p.mu.Unlock()

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		logger.Infof("publishing status every %s to %s", p.interval, p.sender.Target())
		for {
			select {
			case <-ticker.C:
				p.buildAndSendPacket()
			case <-doneChan:
				return
			}
		}
	}()
}

// Stop signals the goroutine and waits for it. Safe to call repeatedly.
func (p *UDPPublisher) Stop() error {
	p.mu.Lock()
	if p.ticker == nil {
		p.mu.Unlock()
		return nil
	}
	p.stopOnce.Do(func() {
		close(p.doneChan)
		p.ticker.Stop()
		p.ticker = nil
	})
	p.mu.Unlock()

	p.wg.Wait()
	logger.Debugf("publisher stopped")
	return nil
}

/*
Status packet (BigEndian), 24 bytes:

|<- 4 ->|<--- 8 --->|<- 1 ->|<- 4 ->|<- 4 ->|<- 3 ->|
+-------+-----------+-------+-------+-------+-------+
|  seq  | timestamp | state | frames|  kmh  | code  |
|uint32 |  int64 ns | uint8 |uint32 |float32| ASCII |
+-------+-----------+-------+-------+-------+-------+

code is the last failure code ("E01".."E09") or three zero bytes.
*/

// EncodeStatus packs st into buf using the layout above.
func EncodeStatus(buf *bytes.Buffer, seq uint32, ts time.Time, st transport.Status) error {
	var code [3]byte
	copy(code[:], st.Code)

	frames := st.Frames
	if frames < 0 {
		frames = 0
	}

	fields := []any{
		seq,
		ts.UnixNano(),
		stateCode(st.State),
		uint32(frames),
		float32(st.Kmh),
		code,
	}
	for _, f := range fields {
		if err := binary.Write(buf, binary.BigEndian, f); err != nil {
			return err
		}
	}
	return nil
}

// Packet is a decoded status packet.
type Packet struct {
	Seq       uint32
	Timestamp int64
	State     uint8
	Frames    uint32
	Kmh       float32
	Code      [3]byte
}

// DecodeStatus parses a packet produced by EncodeStatus.
func DecodeStatus(b []byte) (Packet, error) {
	var pkt Packet
	if len(b) != PacketSize {
		return pkt, fmt.Errorf("status packet is %d bytes, want %d", len(b), PacketSize)
	}
	err := binary.Read(bytes.NewReader(b), binary.BigEndian, &pkt)
	return pkt, err
}

func (p *UDPPublisher) buildAndSendPacket() {
	p.sequenceNum++
	p.packetBuffer.Reset()

	if err := EncodeStatus(p.packetBuffer, p.sequenceNum, p.now(), p.status.Status()); err != nil {
		logger.Errorf("packing status: %v", err)
		return
	}
	if err := p.sender.Send(p.packetBuffer.Bytes()); err == nil {
		logger.Debugf("sent packet %d", p.sequenceNum)
	}
}

// Close stops the publisher.
func (p *UDPPublisher) Close() error {
	return p.Stop()
}

var _ interface{ Close() error } = (*UDPPublisher)(nil)
