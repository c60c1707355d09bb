package xnet

import (
	"encoding/binary"
	"sync"
	"sync/atomic"
)

// Command type bytes. The first nine match spec.md's self-pipe command
// table; cmdBindUDP is an addition for creating a UDP-bound slot, which
// spec.md's table has no entry for despite SendUdp/SendToUdp assuming one
// already exists. CLOSE and CONNECT are independent switch cases in the
// Reactor's dispatch (see reactor.go dispatchCommand) -- the original's
// missing break between them, which silently ran connect logic after
// every close, is not reproduced here.
const (
	cmdExit uint8 = iota
	cmdListen
	cmdConnect
	cmdClose
	cmdSendTCP
	cmdBroadcastTCP
	cmdSendUDP
	cmdSendToUDP
	cmdUser
	cmdBindUDP
)

// payload registry: command bodies are bounded to maxCommandBody bytes, so
// a command that carries an arbitrary-size buffer (SendTCP, BroadcastTCP,
// a user message, ...) instead carries an opaque token referencing an
// entry here. This plays the role the original's raw pointer embedded in
// the command struct played (the data never leaves process memory, so
// there is no need to serialize it) while staying safe under the Go
// garbage collector: the registry keeps the value reachable until the
// receiving Reactor takes it back out.
var (
	payloadToken  atomic.Uint64
	payloadTable  sync.Map // uint64 -> any
)

func storePayload(v any) uint64 {
	tok := payloadToken.Add(1)
	payloadTable.Store(tok, v)
	return tok
}

func takePayload(tok uint64) (any, bool) {
	v, ok := payloadTable.LoadAndDelete(tok)
	return v, ok
}

// sendPayload bundles a buffer (raw or ref-counted) with its optional UDP
// destination, the registry value for Send/Broadcast/SendTo commands.
type sendPayload struct {
	node writeNode
}

// userPayload is the registry value for a User command.
type userPayload struct {
	data []byte
}

func putUint64(b []byte, v uint64) { binary.BigEndian.PutUint64(b, v) }
func putUint32(b []byte, v uint32) { binary.BigEndian.PutUint32(b, v) }
func putUint16(b []byte, v uint16) { binary.BigEndian.PutUint16(b, v) }
func getUint64(b []byte) uint64    { return binary.BigEndian.Uint64(b) }
func getUint32(b []byte) uint32    { return binary.BigEndian.Uint32(b) }
func getUint16(b []byte) uint16    { return binary.BigEndian.Uint16(b) }

func encodeAddr(b []byte, a Addr) {
	b[0] = byte(a.Family)
	putUint16(b[1:3], a.Port)
	copy(b[3:19], a.Host[:])
}

func decodeAddr(b []byte) Addr {
	var a Addr
	a.Family = AddrFamily(b[0])
	a.Port = getUint16(b[1:3])
	copy(a.Host[:], b[3:19])
	return a
}

const addrEncodedLen = 19

// --- cmdListen: {SourceID int64}{BackCommand int32}{Addr}{Backlog uint16} ---

func encodeListenCmd(sourceID int64, backCommand int32, addr Addr, backlog uint16) []byte {
	b := make([]byte, 8+4+addrEncodedLen+2)
	putUint64(b[0:8], uint64(sourceID))
	putUint32(b[8:12], uint32(backCommand))
	encodeAddr(b[12:12+addrEncodedLen], addr)
	putUint16(b[12+addrEncodedLen:], backlog)
	return b
}

type listenCmd struct {
	SourceID    int64
	BackCommand int32
	Addr        Addr
	Backlog     uint16
}

func decodeListenCmd(b []byte) listenCmd {
	return listenCmd{
		SourceID:    int64(getUint64(b[0:8])),
		BackCommand: int32(getUint32(b[8:12])),
		Addr:        decodeAddr(b[12 : 12+addrEncodedLen]),
		Backlog:     getUint16(b[12+addrEncodedLen:]),
	}
}

// --- cmdConnect / cmdBindUDP: {SourceID int64}{BackCommand int32}{Addr} ---
// cmdBindUDP reuses connectCmd's layout; binding a UDP socket needs the
// same fields a connect does and nothing more.

func encodeConnectCmd(sourceID int64, backCommand int32, addr Addr) []byte {
	b := make([]byte, 8+4+addrEncodedLen)
	putUint64(b[0:8], uint64(sourceID))
	putUint32(b[8:12], uint32(backCommand))
	encodeAddr(b[12:], addr)
	return b
}

type connectCmd struct {
	SourceID    int64
	BackCommand int32
	Addr        Addr
}

func decodeConnectCmd(b []byte) connectCmd {
	return connectCmd{
		SourceID:    int64(getUint64(b[0:8])),
		BackCommand: int32(getUint32(b[8:12])),
		Addr:        decodeAddr(b[12:]),
	}
}

// --- cmdClose: {ID int32} ---

func encodeCloseCmd(id int32) []byte {
	b := make([]byte, 4)
	putUint32(b, uint32(id))
	return b
}

func decodeCloseCmd(b []byte) int32 { return int32(getUint32(b)) }

// --- cmdSendTCP / cmdSendUDP: {ID int32}{Token uint64} ---

func encodeSendCmd(id int32, token uint64) []byte {
	b := make([]byte, 12)
	putUint32(b[0:4], uint32(id))
	putUint64(b[4:12], token)
	return b
}

func decodeSendCmd(b []byte) (id int32, token uint64) {
	return int32(getUint32(b[0:4])), getUint64(b[4:12])
}

// --- cmdSendToUDP: {ID int32}{Addr}{Token uint64} ---

func encodeSendToCmd(id int32, dest Addr, token uint64) []byte {
	b := make([]byte, 4+addrEncodedLen+8)
	putUint32(b[0:4], uint32(id))
	encodeAddr(b[4:4+addrEncodedLen], dest)
	putUint64(b[4+addrEncodedLen:], token)
	return b
}

func decodeSendToCmd(b []byte) (id int32, dest Addr, token uint64) {
	id = int32(getUint32(b[0:4]))
	dest = decodeAddr(b[4 : 4+addrEncodedLen])
	token = getUint64(b[4+addrEncodedLen:])
	return
}

// --- cmdBroadcastTCP: {Token uint64}{N uint8}{ids []int32} ---

// maxBroadcastIDs is the most target ids a single cmdBroadcastTCP frame can
// carry within maxCommandBody: a 9-byte token/count header plus 4 bytes per
// id. AsyncBroadcastTCP splits longer id lists across multiple frames
// rather than dropping any; encodeBroadcastCmd itself assumes its caller
// has already chunked ids to this length.
const maxBroadcastIDs = (maxCommandBody - 9) / 4

func encodeBroadcastCmd(ids []int32, token uint64) []byte {
	if len(ids) > maxBroadcastIDs {
		panic("xnet: encodeBroadcastCmd: too many ids for one frame, caller must chunk")
	}
	b := make([]byte, 8+1+4*len(ids))
	putUint64(b[0:8], token)
	b[8] = uint8(len(ids))
	off := 9
	for _, id := range ids {
		putUint32(b[off:off+4], uint32(id))
		off += 4
	}
	return b
}

func decodeBroadcastCmd(b []byte) (token uint64, ids []int32) {
	token = getUint64(b[0:8])
	n := int(b[8])
	ids = make([]int32, n)
	off := 9
	for i := 0; i < n; i++ {
		ids[i] = int32(getUint32(b[off : off+4]))
		off += 4
	}
	return
}

// --- cmdUser: {SourceID int64}{Command int32}{Token uint64} ---

func encodeUserCmd(sourceID int64, command int32, token uint64) []byte {
	b := make([]byte, 8+4+8)
	putUint64(b[0:8], uint64(sourceID))
	putUint32(b[8:12], uint32(command))
	putUint64(b[12:20], token)
	return b
}

type userCmd struct {
	SourceID int64
	Command  int32
	Token    uint64
}

func decodeUserCmd(b []byte) userCmd {
	return userCmd{
		SourceID: int64(getUint64(b[0:8])),
		Command:  int32(getUint32(b[8:12])),
		Token:    getUint64(b[12:20]),
	}
}
