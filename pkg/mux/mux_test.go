package mux

import (
	"testing"

	"github.com/thoukydides/psilink/pkg/frame"
)

type fakeSender struct {
	era  bool
	sent [][]byte
}

func (s *fakeSender) Send(payload []byte) error {
	s.sent = append(s.sent, append([]byte(nil), payload...))
	return nil
}
func (s *fakeSender) Era() bool { return s.era }

func (s *fakeSender) lastSent() []byte {
	if len(s.sent) == 0 {
		return nil
	}
	return s.sent[len(s.sent)-1]
}

type recordedEvent struct {
	event ChannelEvent
	data  []byte
}

type fakeHandler struct {
	events []recordedEvent
}

func (h *fakeHandler) Poll(event ChannelEvent, data []byte) error {
	h.events = append(h.events, recordedEvent{event, append([]byte(nil), data...)})
	return nil
}

func (h *fakeHandler) has(event ChannelEvent) bool {
	for _, e := range h.events {
		if e.event == event {
			return true
		}
	}
	return false
}

func TestStartQueuesNCPInfo(t *testing.T) {
	sender := &fakeSender{era: true}
	m := New(sender)

	if err := m.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := m.MuxPoll(nil, 1); err != nil {
		t.Fatalf("MuxPoll: %v", err)
	}

	got := sender.lastSent()
	if got == nil {
		t.Fatalf("expected an NCP_INFO frame to be sent")
	}
	if got[offsetDest] != ChannelCtrl || got[offsetSrc] != ChannelCtrl || got[offsetType] != MsgNCPInfo {
		t.Fatalf("unexpected header: %v", got[:offsetData])
	}
	if got[offsetData] != ncpEraVersion {
		t.Fatalf("expected era version %d, got %d", ncpEraVersion, got[offsetData])
	}
}

func TestServerAcceptsIncomingConnect(t *testing.T) {
	sender := &fakeSender{era: true}
	m := New(sender)
	if err := m.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := m.MuxPoll(nil, 1); err != nil { // flush NCP_INFO
		t.Fatalf("MuxPoll: %v", err)
	}

	h := &fakeHandler{}
	ch, err := m.CreateChannel("ECHO", 0, false, true, h, 256)
	if err != nil {
		t.Fatalf("CreateChannel: %v", err)
	}

	connectFrame := encodeHeader(ChannelCtrl, 9, MsgConnectToServer, encodeString("ECHO"))
	if err := m.MuxPoll(connectFrame, 1); err != nil {
		t.Fatalf("MuxPoll(connect): %v", err)
	}

	if !h.has(ClientConnected) {
		t.Fatalf("expected ClientConnected event, got %+v", h.events)
	}
	if ch.clientPeer != 9 {
		t.Fatalf("expected clientPeer 9, got %d", ch.clientPeer)
	}

	got := sender.lastSent()
	if got[offsetDest] != ChannelCtrl || got[offsetType] != MsgConnectResponse {
		t.Fatalf("expected a CONNECT_RESPONSE, got header %v", got[:offsetData])
	}
	if got[offsetData] != 9 || got[offsetData+1] != wireStatusOK {
		t.Fatalf("expected response [9 OK], got %v", got[offsetData:])
	}
}

func TestUnknownServerNameIsRejected(t *testing.T) {
	sender := &fakeSender{era: true}
	m := New(sender)
	m.Start()
	m.MuxPoll(nil, 1)

	connectFrame := encodeHeader(ChannelCtrl, 9, MsgConnectToServer, encodeString("NOSUCH"))
	if err := m.MuxPoll(connectFrame, 1); err != nil {
		t.Fatalf("MuxPoll(connect): %v", err)
	}

	got := sender.lastSent()
	if got[offsetData] != 9 || got[offsetData+1] != wireStatusNotFound {
		t.Fatalf("expected response [9 NotFound], got %v", got[offsetData:])
	}
}

func TestFragmentationSplitsOversizeMessage(t *testing.T) {
	sender := &fakeSender{era: true}
	m := New(sender)
	m.Start()
	m.MuxPoll(nil, 1) // flush NCP_INFO

	h := &fakeHandler{}
	ch, err := m.CreateChannel("BIG", 0, true, false, h, 4096)
	if err != nil {
		t.Fatalf("CreateChannel: %v", err)
	}
	m.MuxPoll(nil, 1) // flush CONNECT_TO_SERVER
	ch.serverPeer = 42

	payload := make([]byte, 400)
	for i := range payload {
		payload[i] = byte(i)
	}
	if err := m.TxServer(ch, payload); err != nil {
		t.Fatalf("TxServer: %v", err)
	}

	if err := m.MuxPoll(nil, 1); err != nil {
		t.Fatalf("MuxPoll (fragment 1): %v", err)
	}
	first := sender.lastSent()
	if first[offsetType] != msgWritePartial {
		t.Fatalf("expected first fragment to be partial, got type %d", first[offsetType])
	}
	wantFirst := frame.MaxDataTx - offsetData
	if len(first)-offsetData != wantFirst {
		t.Fatalf("expected first fragment of %d bytes, got %d", wantFirst, len(first)-offsetData)
	}

	if err := m.MuxPoll(nil, 1); err != nil {
		t.Fatalf("MuxPoll (fragment 2): %v", err)
	}
	second := sender.lastSent()
	if second[offsetType] != msgWriteComplete {
		t.Fatalf("expected second fragment to be complete, got type %d", second[offsetType])
	}
	if len(second)-offsetData != len(payload)-wantFirst {
		t.Fatalf("expected remaining %d bytes, got %d", len(payload)-wantFirst, len(second)-offsetData)
	}
}

func TestReassemblyDeliversWholeMessage(t *testing.T) {
	sender := &fakeSender{era: true}
	m := New(sender)
	m.Start()
	m.MuxPoll(nil, 1)

	h := &fakeHandler{}
	ch, err := m.CreateChannel("BIG", 0, true, false, h, 4096)
	if err != nil {
		t.Fatalf("CreateChannel: %v", err)
	}
	m.MuxPoll(nil, 1)
	ch.serverPeer = 42

	part1 := encodeHeader(ch.id, 42, msgWritePartial, []byte("hello, "))
	part2 := encodeHeader(ch.id, 42, msgWriteComplete, []byte("world"))

	if err := m.MuxPoll(part1, 0); err != nil {
		t.Fatalf("MuxPoll(part1): %v", err)
	}
	if h.has(ServerData) {
		t.Fatalf("should not deliver before the final fragment")
	}
	if err := m.MuxPoll(part2, 0); err != nil {
		t.Fatalf("MuxPoll(part2): %v", err)
	}

	var got []byte
	for _, e := range h.events {
		if e.event == ServerData {
			got = e.data
		}
	}
	if string(got) != "hello, world" {
		t.Fatalf("expected reassembled %q, got %q", "hello, world", got)
	}
}

func TestBlockedChannelIsSkippedByScheduler(t *testing.T) {
	sender := &fakeSender{era: true}
	m := New(sender)
	m.Start()
	m.MuxPoll(nil, 1)

	h := &fakeHandler{}
	ch, err := m.CreateChannel("BIG", 0, true, false, h, 4096)
	if err != nil {
		t.Fatalf("CreateChannel: %v", err)
	}
	m.MuxPoll(nil, 1)
	ch.serverPeer = 42
	m.Block(42)

	if err := m.TxServer(ch, []byte("hi")); err != nil {
		t.Fatalf("TxServer: %v", err)
	}
	before := len(sender.sent)
	if err := m.MuxPoll(nil, 1); err != nil {
		t.Fatalf("MuxPoll: %v", err)
	}
	if len(sender.sent) != before {
		t.Fatalf("expected no frame to be sent while blocked")
	}

	m.Unblock(42)
	if err := m.MuxPoll(nil, 1); err != nil {
		t.Fatalf("MuxPoll: %v", err)
	}
	if len(sender.sent) != before+1 {
		t.Fatalf("expected a frame once unblocked")
	}
}

func TestDialectMismatchRestartsChannels(t *testing.T) {
	sender := &fakeSender{era: false}
	m := New(sender)
	m.Start()
	m.MuxPoll(nil, 1) // flush our own Sibo-version NCP_INFO

	if m.Era() {
		t.Fatalf("expected Sibo to start with")
	}

	h := &fakeHandler{}
	if _, err := m.CreateChannel("ECHO", 0, false, true, h, 256); err != nil {
		t.Fatalf("CreateChannel: %v", err)
	}

	peerInfo := make([]byte, 5)
	peerInfo[0] = ncpEraVersion
	info := encodeHeader(ChannelCtrl, ChannelCtrl, MsgNCPInfo, peerInfo)

	if err := m.MuxPoll(info, 0); err != nil {
		t.Fatalf("MuxPoll(info): %v", err)
	}

	if !m.Era() {
		t.Fatalf("expected mux to adopt Era after the peer's NCP_INFO")
	}
	if !m.Active() {
		t.Fatalf("expected the multiplexor itself to stay active")
	}
	if !h.has(End) {
		t.Fatalf("expected the channel to be torn down, got %+v", h.events)
	}
}
