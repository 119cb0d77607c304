package wschan

import (
	"encoding/binary"
	"fmt"

	"gitlab.com/stephen-fox/physkit/bstruct"
	"gitlab.com/stephen-fox/physkit/channel"
)

// MaxTransferSize bounds the data of one memory command.
const MaxTransferSize = 64 << 20

var byteOrder = binary.LittleEndian

// request is a CommandRecord on the wire. Process holds the single
// uint64 input of the opcodes that take one.
type request struct {
	Opcode  uint64
	Process uint64
	Address uint64
	Size    uint64
	Index   uint32
	Name    string
	Data    []byte
}

// response carries the status and the encoded Ref of a record.
type response struct {
	Status int64
	Data   []byte
}

func isWrite(op channel.Opcode) bool {
	switch op {
	case channel.OpWriteProcessMemory, channel.OpWriteProcessMemoryDir,
		channel.OpSafeWriteProcessMemory, channel.OpWriteProcessMemoryAttach,
		channel.OpWritePhysicalMemory:
		return true
	default:
		return false
	}
}

// encodeRequest is used by the client.
func encodeRequest(rec *channel.CommandRecord) ([]byte, error) {
	req := request{
		Opcode: uint64(rec.Opcode),
	}

	switch in := rec.Input.(type) {
	case uint64:
		req.Process = in
	case *channel.ReadWriteRequest:
		req.Process = in.Process
		req.Address = in.Address
		req.Size = in.Size
	case *channel.PhysicalRequest:
		req.Address = in.Address
		req.Size = in.Size
	case *channel.QueryRequest:
		req.Process = in.Process
		req.Address = in.Address
		req.Size = in.InformationClass
	case *channel.ModuleRequest:
		req.Process = in.Process
		req.Name = in.Name
		req.Index = in.Index
	case nil:
	default:
		return nil, fmt.Errorf("unsupported input type %T for %s", rec.Input, rec.Opcode)
	}

	if isWrite(rec.Opcode) {
		p, ok := rec.Ref.([]byte)
		if !ok || uint64(len(p)) < req.Size {
			return nil, fmt.Errorf("write data of %s is not a large enough []byte", rec.Opcode)
		}

		req.Data = p[:req.Size]
	}

	return bstruct.ToBytes(byteOrder, req, nil)
}

// decodeRequest is used by the server. It rebuilds the Input and Ref
// fields a dispatcher expects for the opcode.
func decodeRequest(raw []byte) (*channel.CommandRecord, error) {
	var req request
	_, err := bstruct.FromBytes(byteOrder, raw, &req)
	if err != nil {
		return nil, fmt.Errorf("failed to decode request - %w", err)
	}

	op := channel.Opcode(req.Opcode)
	rec := &channel.CommandRecord{
		Opcode: op,
	}

	buffer := func() ([]byte, error) {
		if req.Size > MaxTransferSize {
			return nil, fmt.Errorf("transfer size 0x%x exceeds 0x%x", req.Size, MaxTransferSize)
		}

		if isWrite(op) {
			if uint64(len(req.Data)) != req.Size {
				return nil, fmt.Errorf("write of 0x%x bytes carries 0x%x bytes", req.Size, len(req.Data))
			}

			return req.Data, nil
		}

		return make([]byte, req.Size), nil
	}

	switch op {
	case channel.OpLookupProcess, channel.OpLookupThread, channel.OpProcessSectionBase:
		rec.Input = req.Process
		rec.Ref = new(uint64)
	case channel.OpProcessExitStatus, channel.OpThreadExitStatus:
		rec.Input = req.Process
	case channel.OpMapAllPhysicalMemory:
		rec.Input = req.Process
		rec.Ref = &channel.MapInfo{}
	case channel.OpReadProcessMemory, channel.OpReadProcessMemoryDir,
		channel.OpSafeReadProcessMemory, channel.OpReadProcessMemoryAttach,
		channel.OpWriteProcessMemory, channel.OpWriteProcessMemoryDir,
		channel.OpSafeWriteProcessMemory, channel.OpWriteProcessMemoryAttach:
		rec.Input = &channel.ReadWriteRequest{
			Process: req.Process,
			Address: req.Address,
			Size:    req.Size,
		}
		rec.Ref, err = buffer()
	case channel.OpReadPhysicalMemory, channel.OpWritePhysicalMemory:
		rec.Input = &channel.PhysicalRequest{
			Address: req.Address,
			Size:    req.Size,
		}
		rec.Ref, err = buffer()
	case channel.OpVirtualQuery:
		rec.Input = &channel.QueryRequest{
			Process:          req.Process,
			Address:          req.Address,
			InformationClass: req.Size,
		}
		rec.Ref = &channel.MemoryBasicInformation{}
	case channel.OpLookupProcessModule, channel.OpLookupProcessModuleIndex:
		rec.Input = &channel.ModuleRequest{
			Process: req.Process,
			Name:    req.Name,
			Index:   req.Index,
		}
		rec.Ref = &channel.ModuleEntry{}
	case channel.OpReadDirTable:
		rec.Input = &channel.ReadWriteRequest{
			Process: req.Process,
		}
		rec.Ref = new(uint64)
	default:
		return nil, fmt.Errorf("unsupported opcode: %s", op)
	}

	if err != nil {
		return nil, err
	}

	return rec, nil
}

// encodeResponse is used by the server after dispatching rec.
func encodeResponse(rec *channel.CommandRecord) ([]byte, error) {
	resp := response{
		Status: int64(rec.Status),
	}

	if rec.Status.IsSuccess() {
		var err error
		resp.Data, err = encodeRef(rec)
		if err != nil {
			return nil, err
		}
	}

	return bstruct.ToBytes(byteOrder, resp, nil)
}

func encodeRef(rec *channel.CommandRecord) ([]byte, error) {
	switch ref := rec.Ref.(type) {
	case nil:
		return nil, nil
	case *uint64:
		b := make([]byte, 8)
		byteOrder.PutUint64(b, *ref)
		return b, nil
	case []byte:
		if isWrite(rec.Opcode) {
			return nil, nil
		}
		return ref, nil
	case *channel.MapInfo, *channel.MemoryBasicInformation, *channel.ModuleEntry:
		return bstruct.ToBytes(byteOrder, ref, nil)
	default:
		return nil, fmt.Errorf("unsupported ref type %T", rec.Ref)
	}
}

// decodeResponse is used by the client. It copies the response data
// into rec.Ref and sets rec.Status.
func decodeResponse(raw []byte, rec *channel.CommandRecord) error {
	var resp response
	_, err := bstruct.FromBytes(byteOrder, raw, &resp)
	if err != nil {
		return fmt.Errorf("failed to decode response - %w", err)
	}

	status := channel.Status(resp.Status)
	if !status.IsSuccess() {
		rec.Status = status
		return nil
	}

	switch ref := rec.Ref.(type) {
	case nil:
	case *uint64:
		if len(resp.Data) != 8 {
			return fmt.Errorf("expected 8 bytes of %s data - got %d", rec.Opcode, len(resp.Data))
		}
		*ref = byteOrder.Uint64(resp.Data)
	case []byte:
		if !isWrite(rec.Opcode) {
			if len(resp.Data) > len(ref) {
				return fmt.Errorf("expected at most %d bytes of %s data - got %d",
					len(ref), rec.Opcode, len(resp.Data))
			}
			copy(ref, resp.Data)
		}
	case *channel.MapInfo, *channel.MemoryBasicInformation, *channel.ModuleEntry:
		_, err = bstruct.FromBytes(byteOrder, resp.Data, ref)
		if err != nil {
			return fmt.Errorf("failed to decode %s data - %w", rec.Opcode, err)
		}
	default:
		return fmt.Errorf("unsupported ref type %T", rec.Ref)
	}

	rec.Status = status

	return nil
}
