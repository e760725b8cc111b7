// Package netsend implements the network sender lifecycle (spec §4.9,
// component C11): connect, handshake, optionally arm kTLS, stream every
// scanned file, then signal completion.
package netsend

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"

	"github.com/bamsammich/uringsync/internal/ktls"
	"github.com/bamsammich/uringsync/internal/ratelimit"
	"github.com/bamsammich/uringsync/internal/ring"
	"github.com/bamsammich/uringsync/internal/ringerr"
	"github.com/bamsammich/uringsync/internal/ringnet"
	"github.com/bamsammich/uringsync/internal/scan"
	"github.com/bamsammich/uringsync/internal/secret"
	"github.com/bamsammich/uringsync/internal/stats"
	"github.com/bamsammich/uringsync/internal/wire"
)

// State is one node of the sender's lifecycle (spec §4.9).
type State int

const (
	Start State = iota
	Connecting
	SendHello
	RecvHelloOK
	EnableKTLS
	StreamFiles
	SendAllDone
	Done
)

// Config describes one send run.
type Config struct {
	Addr      string
	SrcRoot   string // base the file paths in Plan are relative to
	Secret    []byte
	UseTLS    bool
	ChunkSize int64
	Stats     *stats.Collector
	Logger    *slog.Logger
	// BWLimit caps aggregate socket write throughput in bytes/sec. Zero
	// disables throttling.
	BWLimit int64
	// AsyncNetwork routes every send/recv through internal/ring (spec
	// §6) instead of the net package. Mutually exclusive with UseTLS:
	// validated by the caller before Run is reached.
	AsyncNetwork bool
}

// asyncRingDepth is the ring depth for an async-network run: one
// connect plus one outstanding send/recv at a time, never deeper.
const asyncRingDepth = 4

// Run drives a full sender lifecycle against cfg.Addr, streaming every
// item in plan.Items. Blocks until ALL_DONE is sent and the connection
// is closed, or an error occurs.
func Run(cfg Config, plan scan.Plan) error {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = stats.DefaultChunkSize
	}

	var conn io.ReadWriteCloser
	if cfg.AsyncNetwork {
		r, err := ring.New(asyncRingDepth)
		if err != nil {
			return ringerr.New(ringerr.KindRingFull, "netsend.Connecting", err)
		}
		defer r.Close()
		rc, err := ringnet.Dial(r, cfg.Addr)
		if err != nil {
			return err
		}
		conn = rc
		log.Debug("connected via ring (async network)")
	} else {
		c, err := net.Dial("tcp", cfg.Addr)
		if err != nil {
			return ringerr.New(ringerr.KindNetworkIO, "netsend.Connecting", err)
		}
		conn = c
	}
	defer conn.Close()

	ourNonce, err := secret.GenerateNonce()
	if err != nil {
		return ringerr.New(ringerr.KindCryptoSetup, "netsend.SendHello", err)
	}

	helloFrame, err := wire.EncodeHello(wire.Hello{
		Version: wire.ProtocolVersion,
		Secret:  cfg.Secret,
		Nonce:   ourNonce,
	})
	if err != nil {
		return ringerr.New(ringerr.KindProtocolViolation, "netsend.SendHello", err)
	}
	if err := wire.WriteFrame(conn, helloFrame); err != nil {
		return ringerr.New(ringerr.KindNetworkIO, "netsend.SendHello", err)
	}

	reply, err := wire.ReadFrame(conn)
	if err != nil {
		return ringerr.New(ringerr.KindNetworkIO, "netsend.RecvHelloOK", err)
	}
	switch reply.Type {
	case wire.TypeHelloFail:
		reason, _ := wire.DecodeHelloFail(reply.Payload)
		return ringerr.New(ringerr.KindAuthFailure, "netsend.RecvHelloOK", fmt.Errorf("receiver rejected HELLO, reason=%d", reason))
	case wire.TypeHelloOK:
		// fallthrough to key derivation below
	default:
		return ringerr.New(ringerr.KindProtocolViolation, "netsend.RecvHelloOK", fmt.Errorf("unexpected frame type %s", reply.Type))
	}
	helloOK, err := wire.DecodeHelloOK(reply.Payload)
	if err != nil {
		return ringerr.New(ringerr.KindProtocolViolation, "netsend.RecvHelloOK", err)
	}

	if cfg.UseTLS {
		keys, err := secret.Derive(cfg.Secret, ourNonce, helloOK.Nonce)
		if err != nil {
			return ringerr.New(ringerr.KindCryptoSetup, "netsend.EnableKTLS", err)
		}
		tcpConn, ok := conn.(*net.TCPConn)
		if !ok {
			return ringerr.New(ringerr.KindCryptoSetup, "netsend.EnableKTLS", fmt.Errorf("not a TCP connection"))
		}
		if err := ktls.ArmTCPConn(tcpConn, keys, ktls.EnableSender); err != nil {
			return ringerr.New(ringerr.KindCryptoSetup, "netsend.EnableKTLS", err)
		}
		log.Debug("ktls enabled on sender socket")
	}

	var out io.Writer = conn
	if cfg.BWLimit > 0 {
		out = &ratelimit.Writer{W: conn, Limiter: ratelimit.NewLimiter(cfg.BWLimit, cfg.ChunkSize), Ctx: context.Background()}
	}

	for _, item := range plan.Items {
		if err := sendFile(out, cfg, item); err != nil {
			return err
		}
	}

	if err := wire.WriteFrame(out, wire.EncodeAllDone()); err != nil {
		return ringerr.New(ringerr.KindNetworkIO, "netsend.SendAllDone", err)
	}
	return nil
}

func sendFile(w io.Writer, cfg Config, item scan.WorkItem) error {
	rel, err := filepath.Rel(cfg.SrcRoot, item.SrcPath)
	if err != nil {
		return ringerr.New(ringerr.KindProtocolViolation, "netsend.StreamFiles", err)
	}
	rel = filepath.ToSlash(rel)

	f, err := os.Open(item.SrcPath)
	if err != nil {
		return ringerr.New(ringerr.KindNotFound, "netsend.StreamFiles", err)
	}
	defer f.Close()

	hdr, err := wire.EncodeFileHdr(wire.FileHdr{Size: item.Size, Mode: uint32(item.Mode.Perm()), Path: rel})
	if err != nil {
		return ringerr.New(ringerr.KindProtocolViolation, "netsend.StreamFiles", err)
	}
	if err := wire.WriteFrame(w, hdr); err != nil {
		return ringerr.New(ringerr.KindNetworkIO, "netsend.StreamFiles", err)
	}

	buf := make([]byte, cfg.ChunkSize)
	var sent int64
	for sent < item.Size {
		n, readErr := f.Read(buf)
		if n > 0 {
			if err := wire.WriteFrame(w, wire.EncodeFileData(buf[:n])); err != nil {
				return ringerr.New(ringerr.KindNetworkIO, "netsend.StreamFiles", err)
			}
			sent += int64(n)
			if cfg.Stats != nil {
				cfg.Stats.AddBytesCopied(int64(n))
			}
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			return ringerr.New(ringerr.KindNotFound, "netsend.StreamFiles", readErr)
		}
	}

	if err := wire.WriteFrame(w, wire.EncodeFileEnd()); err != nil {
		return ringerr.New(ringerr.KindNetworkIO, "netsend.StreamFiles", err)
	}
	if cfg.Stats != nil {
		cfg.Stats.AddFilesCompleted(1)
	}
	return nil
}
