// Package netrecv implements the network receiver lifecycle (spec
// §4.9, component C12): accept one connection, handshake, optionally
// arm kTLS, then loop consuming FILE_HDR/FILE_DATA/FILE_END/ALL_DONE
// frames until the sender signals completion.
package netrecv

import (
	"crypto/subtle"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"

	"github.com/google/uuid"

	"github.com/bamsammich/uringsync/internal/ktls"
	"github.com/bamsammich/uringsync/internal/ring"
	"github.com/bamsammich/uringsync/internal/ringerr"
	"github.com/bamsammich/uringsync/internal/ringnet"
	"github.com/bamsammich/uringsync/internal/secret"
	"github.com/bamsammich/uringsync/internal/stats"
	"github.com/bamsammich/uringsync/internal/wire"
)

// conn is the minimal surface recvAndVerifyHello/recvLoop/receiveFile
// need. Both net.Conn and *ringnet.Conn satisfy it, so the RECV_LOOP
// state machine runs unchanged whether async_network is on or off; only
// serveOne branches on the concrete type, and only to arm kTLS
// (which requires a *net.TCPConn and is validated mutually exclusive
// with async_network before Run is reached).
type conn interface {
	io.Reader
	io.Writer
	io.Closer
}

// State is one node of the receiver's lifecycle (spec §4.9).
type State int

const (
	Listening State = iota
	Accepted
	RecvHello
	SendHelloOK
	EnableKTLS
	RecvLoop
	Done
)

// Config describes one receive run.
type Config struct {
	Addr    string
	DstRoot string
	Secret  []byte
	UseTLS  bool
	Stats   *stats.Collector
	Logger  *slog.Logger
	// AsyncNetwork routes accept/send/recv through internal/ring (spec
	// §6) instead of the net package. Mutually exclusive with UseTLS:
	// validated by the caller before Run is reached.
	AsyncNetwork bool
}

// asyncRingDepth mirrors netsend's: one accept plus one outstanding
// send/recv at a time, never deeper.
const asyncRingDepth = 4

// Run listens on cfg.Addr, accepts exactly one connection, and services
// it until ALL_DONE or an error. Returns after the connection closes.
func Run(cfg Config) error {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}

	if cfg.AsyncNetwork {
		r, err := ring.New(asyncRingDepth)
		if err != nil {
			return ringerr.New(ringerr.KindRingFull, "netrecv.Listening", err)
		}
		defer r.Close()
		l, err := ringnet.Listen(r, cfg.Addr)
		if err != nil {
			return err
		}
		defer l.Close()

		rc, err := l.Accept()
		if err != nil {
			return ringerr.New(ringerr.KindNetworkIO, "netrecv.Accepted", err)
		}
		defer rc.Close()
		l.Close() // single connection per transfer (spec §4.9)

		log = log.With("session", uuid.NewString())
		log.Debug("connection accepted via ring (async network)", "fd", rc.Fd())
		return serveOne(rc, cfg, log)
	}

	ln, err := net.Listen("tcp", cfg.Addr)
	if err != nil {
		return ringerr.New(ringerr.KindNetworkIO, "netrecv.Listening", err)
	}
	defer ln.Close()
	return Serve(ln, cfg)
}

// Serve accepts exactly one connection on ln and services it until
// ALL_DONE or an error. Split from Run so tests can bind an
// ephemeral port (":0") and learn the real address before connecting.
func Serve(ln net.Listener, cfg Config) error {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}

	c, err := ln.Accept()
	if err != nil {
		return ringerr.New(ringerr.KindNetworkIO, "netrecv.Accepted", err)
	}
	defer c.Close()
	ln.Close() // single connection per transfer (spec §4.9)

	log = log.With("session", uuid.NewString())
	log.Debug("connection accepted", "remote", c.RemoteAddr())

	return serveOne(c, cfg, log)
}

// serveOne runs the handshake and RECV_LOOP against an already-accepted
// connection, regardless of whether it came from net.Listener.Accept or
// ringnet.Listener.Accept.
func serveOne(c conn, cfg Config, log *slog.Logger) error {
	theirNonce, failed, err := recvAndVerifyHello(c, cfg)
	if err != nil {
		return err
	}
	if failed {
		return nil
	}

	ourNonce, err := secret.GenerateNonce()
	if err != nil {
		return ringerr.New(ringerr.KindCryptoSetup, "netrecv.SendHelloOK", err)
	}
	if err := wire.WriteFrame(c, wire.EncodeHelloOK(wire.HelloOK{Nonce: ourNonce})); err != nil {
		return ringerr.New(ringerr.KindNetworkIO, "netrecv.SendHelloOK", err)
	}

	if cfg.UseTLS {
		keys, err := secret.Derive(cfg.Secret, theirNonce, ourNonce)
		if err != nil {
			return ringerr.New(ringerr.KindCryptoSetup, "netrecv.EnableKTLS", err)
		}
		tcpConn, ok := c.(*net.TCPConn)
		if !ok {
			return ringerr.New(ringerr.KindCryptoSetup, "netrecv.EnableKTLS", fmt.Errorf("not a TCP connection"))
		}
		if err := ktls.ArmTCPConn(tcpConn, keys, ktls.EnableReceiver); err != nil {
			return ringerr.New(ringerr.KindCryptoSetup, "netrecv.EnableKTLS", err)
		}
		log.Debug("ktls enabled on receiver socket")
	}

	return recvLoop(c, cfg)
}

// recvAndVerifyHello reads the HELLO frame, checks the protocol
// version and the shared secret in constant time, and on failure sends
// HELLO_FAIL and reports failed=true (not an error: a rejected peer is
// an expected outcome, not a bug).
func recvAndVerifyHello(c conn, cfg Config) (nonce [secret.NonceSize]byte, failed bool, err error) {
	frame, err := wire.ReadFrame(c)
	if err != nil {
		return nonce, false, ringerr.New(ringerr.KindNetworkIO, "netrecv.RecvHello", err)
	}
	if frame.Type != wire.TypeHello {
		return nonce, false, ringerr.New(ringerr.KindProtocolViolation, "netrecv.RecvHello", fmt.Errorf("expected HELLO, got %s", frame.Type))
	}
	hello, err := wire.DecodeHello(frame.Payload)
	if err != nil {
		return nonce, false, ringerr.New(ringerr.KindProtocolViolation, "netrecv.RecvHello", err)
	}

	if hello.Version != wire.ProtocolVersion {
		_ = wire.WriteFrame(c, wire.EncodeHelloFail(wire.HelloFailVersionMismatch))
		return nonce, true, nil
	}
	if subtle.ConstantTimeCompare(hello.Secret, cfg.Secret) != 1 {
		_ = wire.WriteFrame(c, wire.EncodeHelloFail(wire.HelloFailBadSecret))
		return nonce, true, nil
	}
	return hello.Nonce, false, nil
}

// recvLoop consumes frames until ALL_DONE, dispatching FILE_HDR to
// receiveFile (spec §4.9 RECV_LOOP).
func recvLoop(c conn, cfg Config) error {
	for {
		frame, err := wire.ReadFrame(c)
		if err != nil {
			return ringerr.New(ringerr.KindNetworkIO, "netrecv.RecvLoop", err)
		}

		switch frame.Type {
		case wire.TypeFileHdr:
			hdr, err := wire.DecodeFileHdr(frame.Payload)
			if err != nil {
				return ringerr.New(ringerr.KindProtocolViolation, "netrecv.RecvLoop", err)
			}
			if err := receiveFile(c, cfg, hdr); err != nil {
				return err
			}
		case wire.TypeAllDone:
			return nil
		default:
			return ringerr.New(ringerr.KindProtocolViolation, "netrecv.RecvLoop", fmt.Errorf("unexpected frame type %s", frame.Type))
		}
	}
}

// receiveFile validates and canonicalizes hdr.Path relative to
// cfg.DstRoot, creates parent directories, opens the destination
// write|create|truncate, then consumes FILE_DATA frames until the
// advertised size is reached and a FILE_END arrives (spec §4.9, P5
// path safety).
func receiveFile(c conn, cfg Config, hdr wire.FileHdr) error {
	dstPath, err := safeJoin(cfg.DstRoot, hdr.Path)
	if err != nil {
		return ringerr.New(ringerr.KindProtocolViolation, "netrecv.RecvLoop", err)
	}

	if err := os.MkdirAll(filepath.Dir(dstPath), 0o755); err != nil {
		return ringerr.New(ringerr.KindPermissionDenied, "netrecv.RecvLoop", err)
	}

	mode := os.FileMode(hdr.Mode & 0o777)
	f, err := os.OpenFile(dstPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, mode)
	if err != nil {
		return ringerr.New(ringerr.KindPermissionDenied, "netrecv.RecvLoop", err)
	}
	defer f.Close()

	var received int64
	for received < hdr.Size {
		frame, err := wire.ReadFrame(c)
		if err != nil {
			return ringerr.New(ringerr.KindNetworkIO, "netrecv.RecvLoop", err)
		}
		if frame.Type != wire.TypeFileData {
			return ringerr.New(ringerr.KindProtocolViolation, "netrecv.RecvLoop", fmt.Errorf("expected FILE_DATA, got %s", frame.Type))
		}
		if _, err := f.Write(frame.Payload); err != nil {
			return ringerr.New(ringerr.KindNoSpace, "netrecv.RecvLoop", err)
		}
		received += int64(len(frame.Payload))
		if cfg.Stats != nil {
			cfg.Stats.AddBytesCopied(int64(len(frame.Payload)))
		}
	}

	end, err := wire.ReadFrame(c)
	if err != nil {
		return ringerr.New(ringerr.KindNetworkIO, "netrecv.RecvLoop", err)
	}
	if end.Type != wire.TypeFileEnd {
		return ringerr.New(ringerr.KindProtocolViolation, "netrecv.RecvLoop", fmt.Errorf("expected FILE_END, got %s", end.Type))
	}

	if cfg.Stats != nil {
		cfg.Stats.AddFilesCompleted(1)
	}
	return nil
}

// safeJoin joins root and rel, rejecting any result that escapes root.
// wire.ValidatePath already rejects absolute paths and ".." segments,
// but this is the authoritative check against the resolved filesystem
// path (spec §7/P5: never trust the wire validation alone for a
// filesystem-affecting operation).
func safeJoin(root, rel string) (string, error) {
	if err := wire.ValidatePath(rel); err != nil {
		return "", err
	}
	joined := filepath.Join(root, filepath.FromSlash(rel))
	cleanRoot := filepath.Clean(root)
	if joined != cleanRoot && !hasPrefixDir(joined, cleanRoot) {
		return "", fmt.Errorf("%w: %q escapes destination root", wire.ErrUnsafePath, rel)
	}
	return joined, nil
}

func hasPrefixDir(path, dir string) bool {
	rel, err := filepath.Rel(dir, path)
	if err != nil {
		return false
	}
	return rel != ".." && !filepathHasDotDotPrefix(rel)
}

func filepathHasDotDotPrefix(rel string) bool {
	return len(rel) >= 2 && rel[0] == '.' && rel[1] == '.' &&
		(len(rel) == 2 || rel[2] == filepath.Separator)
}
