package wschan

import (
	"bytes"
	"errors"
	"net/http/httptest"
	"strings"
	"testing"

	"gitlab.com/stephen-fox/physkit/channel"
	"gitlab.com/stephen-fox/physkit/imagechan"
	"gitlab.com/stephen-fox/physkit/internal/phystest"
	"gitlab.com/stephen-fox/physkit/pattern"
	"gitlab.com/stephen-fox/physkit/session"
	"gitlab.com/stephen-fox/physkit/winver"
)

type testRemote struct {
	client *Client
	proc   *phystest.Process
}

func newTestRemote(t *testing.T) *testRemote {
	mem := phystest.NewMemory()
	k := phystest.NewKernel(mem, 19045)

	k.AddProcess(phystest.ProcessSpec{PID: 4, Name: "System"})
	proc := k.AddProcess(phystest.ProcessSpec{
		PID:         0x1a4,
		Name:        "notepad.exe",
		SectionBase: 0x7ff7a0000000,
		Modules: []phystest.ModuleSpec{
			{
				BaseName: "notepad.exe",
				FullName: `C:\Windows\System32\notepad.exe`,
				Base:     0x7ff7a0000000,
				Size:     0x38000,
			},
		},
	})
	ht := k.BuildCIDTable(1)

	d, err := imagechan.NewDispatcher(mem, k.MapInfo(ht), winver.Offsets{})
	if err != nil {
		t.Fatal(err)
	}

	srv := httptest.NewServer(&Server{Dispatcher: d})
	t.Cleanup(srv.Close)

	client, err := Dial("ws" + strings.TrimPrefix(srv.URL, "http"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { client.Close() })

	return &testRemote{
		client: client,
		proc:   proc,
	}
}

func TestClient_Commands(t *testing.T) {
	remote := newTestRemote(t)
	ch := channel.FromDispatcher(remote.client)

	eprocess, err := channel.LookupProcess(ch, 0x1a4)
	if err != nil {
		t.Fatal(err)
	}

	if eprocess != remote.proc.EPROCESS {
		t.Fatalf("expected 0x%x - got 0x%x", remote.proc.EPROCESS, eprocess)
	}

	status := channel.ProcessExitStatus(ch, eprocess)
	if status != phystest.StillActive {
		t.Fatalf("expected still active - got %s", status)
	}

	info, err := channel.MapAllPhysicalMemory(ch, 0x300000000000)
	if err != nil {
		t.Fatal(err)
	}

	if info.MappedBase != 0x300000000000 || info.BuildNumber != 19045 {
		t.Fatalf("unexpected map info: %+v", info)
	}

	err = channel.WriteProcessMemory(ch, eprocess, remote.proc.PEB+0x100, []byte("over the wire"))
	if err != nil {
		t.Fatal(err)
	}

	got := make([]byte, 13)
	err = channel.SafeReadProcessMemory(ch, eprocess, remote.proc.PEB+0x100, got)
	if err != nil {
		t.Fatal(err)
	}

	if string(got) != "over the wire" {
		t.Fatalf("expected 'over the wire' - got '%s'", got)
	}

	m, err := channel.LookupProcessModule(ch, eprocess, "notepad.exe")
	if err != nil {
		t.Fatal(err)
	}

	if m.FullName != `C:\Windows\System32\notepad.exe` || m.Size != 0x38000 {
		t.Fatalf("unexpected module: %+v", m)
	}

	region, err := channel.QueryVirtual(ch, eprocess, remote.proc.PEB)
	if err != nil {
		t.Fatal(err)
	}

	if !region.Committed() || region.BaseAddress != remote.proc.PEB {
		t.Fatalf("unexpected region: %+v", region)
	}
}

func TestClient_FailureStatus(t *testing.T) {
	remote := newTestRemote(t)
	ch := channel.FromDispatcher(remote.client)

	_, err := channel.LookupProcess(ch, 0x9999)
	var statusErr *channel.StatusError
	if !errors.As(err, &statusErr) || statusErr.Status != channel.StatusInvalidParameter {
		t.Fatalf("expected invalid parameter - got %v", err)
	}

	if remote.client.Err() != nil {
		t.Fatalf("expected a failed command to not be a transport error - got %v", remote.client.Err())
	}
}

func TestClient_Closed(t *testing.T) {
	remote := newTestRemote(t)
	remote.client.Close()

	_, err := channel.LookupProcess(channel.FromDispatcher(remote.client), 0x1a4)
	if err == nil {
		t.Fatal("expected a command on a closed connection to fail")
	}

	if remote.client.Err() == nil {
		t.Fatal("expected the transport error to be kept")
	}
}

func TestSession_OverWebsocket(t *testing.T) {
	remote := newTestRemote(t)

	s, err := session.OpenDispatcher(remote.client, session.Options{})
	if err != nil {
		t.Fatal(err)
	}

	if s.Window.Direct() {
		t.Fatal("expected a remote window to use physical memory commands")
	}

	procs, err := s.Resolver.List()
	if err != nil {
		t.Fatal(err)
	}

	if len(procs) != 2 || procs[1].Name != "notepad.exe" {
		t.Fatalf("unexpected process list: %+v", procs)
	}

	remote.proc.Space.Write(remote.proc.PEB+0x800, []byte{0x0f, 0x05, 0xc3})

	addr, err := s.Scanner.Process(0x1a4, pattern.ParseOrExit("0F 05 C3"))
	if err != nil {
		t.Fatal(err)
	}

	if addr != remote.proc.PEB+0x800 {
		t.Fatalf("expected 0x%x - got 0x%x", remote.proc.PEB+0x800, addr)
	}
}

func TestCodec_Request(t *testing.T) {
	data := []byte{1, 2, 3, 4}

	records := []*channel.CommandRecord{
		{Opcode: channel.OpLookupProcess, Input: uint64(4), Ref: new(uint64)},
		{Opcode: channel.OpWriteProcessMemoryDir, Input: &channel.ReadWriteRequest{Process: 0x1000, Address: 0x2000, Size: 4}, Ref: data},
		{Opcode: channel.OpReadPhysicalMemory, Input: &channel.PhysicalRequest{Address: 0x3000, Size: 4}, Ref: make([]byte, 4)},
		{Opcode: channel.OpVirtualQuery, Input: &channel.QueryRequest{Process: 0x10, Address: 0x20}, Ref: &channel.MemoryBasicInformation{}},
		{Opcode: channel.OpLookupProcessModuleIndex, Input: &channel.ModuleRequest{Process: 0x10, Index: 3}, Ref: &channel.ModuleEntry{}},
	}

	for _, rec := range records {
		raw, err := encodeRequest(rec)
		if err != nil {
			t.Fatalf("%s - %s", rec.Opcode, err)
		}

		decoded, err := decodeRequest(raw)
		if err != nil {
			t.Fatalf("%s - %s", rec.Opcode, err)
		}

		if decoded.Opcode != rec.Opcode {
			t.Fatalf("expected %s - got %s", rec.Opcode, decoded.Opcode)
		}
	}

	decoded, err := decodeRequest(mustEncode(t, records[1]))
	if err != nil {
		t.Fatal(err)
	}

	req := decoded.Input.(*channel.ReadWriteRequest)
	if req.Process != 0x1000 || req.Address != 0x2000 || req.Size != 4 {
		t.Fatalf("unexpected request: %+v", req)
	}

	if !bytes.Equal(decoded.Ref.([]byte), data) {
		t.Fatalf("expected write data %x - got %x", data, decoded.Ref)
	}

	decoded, err = decodeRequest(mustEncode(t, records[4]))
	if err != nil {
		t.Fatal(err)
	}

	if decoded.Input.(*channel.ModuleRequest).Index != 3 {
		t.Fatalf("unexpected module request: %+v", decoded.Input)
	}
}

func TestCodec_RejectsOversizedTransfer(t *testing.T) {
	raw := mustEncode(t, &channel.CommandRecord{
		Opcode: channel.OpReadPhysicalMemory,
		Input:  &channel.PhysicalRequest{Size: MaxTransferSize + 1},
	})

	_, err := decodeRequest(raw)
	if err == nil {
		t.Fatal("expected an oversized transfer to be rejected")
	}
}

func mustEncode(t *testing.T, rec *channel.CommandRecord) []byte {
	raw, err := encodeRequest(rec)
	if err != nil {
		t.Fatal(err)
	}

	return raw
}
