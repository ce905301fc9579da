package plugin

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/joeycumines/go-dal/internal/ids"
	"github.com/joeycumines/go-dal/internal/wire"
)

// EchoAppletUUID and EventServiceAppletUUID are the reference applets used
// by the seed tests.
const (
	EchoAppletUUID         = "D1DE41D82B844FEAA7FA1E4322F15DEE"
	EventServiceAppletUUID = "00000000000000000000000000000001"
)

// maxSessionsPerApplet mirrors the seed test's "for FW major 13+, open 16
// sessions ... the 17th create_session returns MAX_SESSIONS_REACHED".
const maxSessionsPerApplet = 16

// echoSession tracks one open VM-level session inside the reference plugin.
type echoSession struct {
	uuid string
}

// EchoPlugin is an in-process reference VmPlugin implementing exactly the
// two applets the seed tests exercise: an echo applet and an EventService
// applet, plus the spooler. It stands in for the real dynamically-loaded
// plugin in tests; the coprocessor transport itself is out of scope.
type EchoPlugin struct {
	mu       sync.Mutex
	sessions map[Handle]echoSession
	counts   map[string]int
	nextH    uint64

	spoolerQ   chan SpoolerEvent
	knownFiles map[string][]byte

	handleSessionIDs map[Handle]ids.SessionID
}

// NewEchoPlugin constructs a ready-to-use reference plugin.
func NewEchoPlugin() *EchoPlugin {
	return &EchoPlugin{
		sessions:         make(map[Handle]echoSession),
		counts:           make(map[string]int),
		spoolerQ:         make(chan SpoolerEvent, 64),
		knownFiles:       make(map[string][]byte),
		handleSessionIDs: make(map[Handle]ids.SessionID),
	}
}

func init() {
	Register(FamilyBHV2, func(string) (VmPlugin, error) { return NewEchoPlugin(), nil })
}

func (p *EchoPlugin) QueryTEEMetadata(context.Context) (Metadata, error) {
	return Metadata{
		FWVersion:  Version{Major: 13, Minor: 0, Hotfix: 0},
		Platform:   PlatformSEC,
		Family:     FamilyBHV2,
		APILevel:   0,
		PluginType: "echo-reference",
	}, nil
}

func (p *EchoPlugin) DownloadApplet(_ context.Context, uuid string, blob []byte) (wire.Status, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if existing, ok := p.knownFiles[uuid]; ok && string(existing) == string(blob) {
		return wire.StatusSuccess, ErrFileIdentical
	}
	p.knownFiles[uuid] = blob
	return wire.StatusSuccess, nil
}

func (p *EchoPlugin) UnloadApplet(_ context.Context, uuid string) (wire.Status, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.knownFiles[uuid]; !ok {
		return wire.StatusAppletNotInstalled, nil
	}
	delete(p.knownFiles, uuid)
	return wire.StatusSuccess, nil
}

func (p *EchoPlugin) CreateSession(_ context.Context, uuid string, _ []byte) (Handle, wire.Status, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.counts[uuid] >= maxSessionsPerApplet {
		return 0, wire.StatusMaxSessionsReached, nil
	}

	h := Handle(atomic.AddUint64(&p.nextH, 1))
	p.sessions[h] = echoSession{uuid: uuid}
	p.counts[uuid]++
	return h, wire.StatusSuccess, nil
}

func (p *EchoPlugin) CloseSession(_ context.Context, h Handle) (wire.Status, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	s, ok := p.sessions[h]
	if !ok {
		return wire.StatusInvalidHandle, nil
	}
	delete(p.sessions, h)
	p.counts[s.uuid]--
	return wire.StatusSuccess, nil
}

func (p *EchoPlugin) ForceCloseSession(ctx context.Context, h Handle) (wire.Status, error) {
	return p.CloseSession(ctx, h)
}

func (p *EchoPlugin) SendAndReceive(_ context.Context, h Handle, cmdID uint32, tx []byte, rxLen uint32) ([]byte, int32, wire.Status, error) {
	p.mu.Lock()
	s, ok := p.sessions[h]
	p.mu.Unlock()
	if !ok {
		return nil, 0, wire.StatusInvalidHandle, nil
	}

	if cmdID == 1000 {
		// simulated infinite loop: applet blows its run-time budget.
		p.mu.Lock()
		delete(p.sessions, h)
		p.counts[s.uuid]--
		p.mu.Unlock()
		return nil, 0, wire.StatusAppletFatal, nil
	}

	switch s.uuid {
	case EventServiceAppletUUID:
		if cmdID == 10 {
			p.mu.Lock()
			target := p.handleSessionIDs[h]
			p.mu.Unlock()
			select {
			case p.spoolerQ <- SpoolerEvent{TargetSession: target, DataType: 1, Data: append([]byte(nil), tx...)}:
			default:
			}
		}
		rx := append([]byte(nil), tx...)
		return rx, int32(len(tx)), wire.StatusSuccess, nil
	default:
		rx := append([]byte(nil), tx...)
		if rxLen != 0 && uint32(len(rx)) > rxLen {
			rx = rx[:rxLen]
		}
		return rx, int32(len(tx)), wire.StatusSuccess, nil
	}
}

func (p *EchoPlugin) GetAppletProperty(_ context.Context, uuid string, tx []byte) ([]byte, wire.Status, error) {
	return append([]byte(nil), tx...), wire.StatusSuccess, nil
}

func (p *EchoPlugin) IsSharedSessionSupported(_ context.Context, uuid string) (bool, error) {
	return uuid == EventServiceAppletUUID, nil
}

func (p *EchoPlugin) WaitForSpoolerEvent(ctx context.Context, _ Handle) (SpoolerEvent, error) {
	select {
	case ev := <-p.spoolerQ:
		return ev, nil
	case <-ctx.Done():
		return SpoolerEvent{}, ctx.Err()
	}
}

// BindSessionID lets the session manager tell the reference plugin which
// session id corresponds to a given VM handle, since the real plugin ABI
// only knows handles, while spooler events must carry back a session id.
func (p *EchoPlugin) BindSessionID(h Handle, id ids.SessionID) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.handleSessionIDs[h] = id
}
