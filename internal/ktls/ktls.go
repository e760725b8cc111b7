//go:build linux

// Package ktls arms a TCP socket's kernel record layer with the key
// material internal/secret derives, so subsequent send/recv on that fd
// are transparently encrypted (spec §4.8, AES-128-GCM/TLS-1.2 framing).
package ktls

import (
	"fmt"
	"net"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/bamsammich/uringsync/internal/secret"
)

const (
	solTLS = 282 // Linux SOL_TLS
	tlsTX  = 1   // Linux TLS_TX
	tlsRX  = 2   // Linux TLS_RX

	tlsCipherAESGCM128 = 51 // Linux TLS_CIPHER_AES_GCM_128
	tls12Version       = 0x0303
)

// cryptoInfoAESGCM128 mirrors Linux's tls12_crypto_info_aes_gcm_128
// (<linux/tls.h>), packed exactly as the kernel expects via
// setsockopt(SOL_TLS, ...). The kernel's iv field is 8 bytes even
// though AES-GCM-128's implicit IV is only 4 bytes of salt; the
// remaining 4 bytes are the explicit per-record nonce the kernel
// fills in itself, so only the low 4 bytes are set here.
type cryptoInfoAESGCM128 struct {
	version    uint16
	cipherType uint16
	iv         [8]byte
	key        [16]byte
	salt       [4]byte // unused by AES-GCM-128's implicit-IV layout; kept for struct shape
	recSeq     [8]byte
}

func toCryptoInfo(d secret.Direction) cryptoInfoAESGCM128 {
	c := cryptoInfoAESGCM128{
		version:    tls12Version,
		cipherType: tlsCipherAESGCM128,
	}
	c.key = d.Key
	copy(c.iv[:len(d.IV)], d.IV[:])
	c.recSeq = d.RecSeq
	return c
}

// EnableSender arms fd as the sender: the SenderToReceiver direction is
// installed as TX, ReceiverToSender as RX.
func EnableSender(fd int, keys secret.Keys) error {
	return arm(fd, keys.SenderToReceiver, keys.ReceiverToSender)
}

// EnableReceiver arms fd as the receiver: directions are swapped
// relative to the sender (spec §4.8: "the opposite direction's
// structure as the receive key").
func EnableReceiver(fd int, keys secret.Keys) error {
	return arm(fd, keys.ReceiverToSender, keys.SenderToReceiver)
}

func arm(fd int, tx, rx secret.Direction) error {
	if err := unix.SetsockoptString(fd, unix.IPPROTO_TCP, unix.TCP_ULP, "tls"); err != nil {
		return fmt.Errorf("ktls: set TCP_ULP: %w", err)
	}

	txInfo := toCryptoInfo(tx)
	if err := setsockoptCryptoInfo(fd, tlsTX, &txInfo); err != nil {
		return fmt.Errorf("ktls: set TLS_TX: %w", err)
	}

	rxInfo := toCryptoInfo(rx)
	if err := setsockoptCryptoInfo(fd, tlsRX, &rxInfo); err != nil {
		return fmt.Errorf("ktls: set TLS_RX: %w", err)
	}

	return nil
}

func setsockoptCryptoInfo(fd, opt int, info *cryptoInfoAESGCM128) error {
	_, _, errno := unix.Syscall6(
		unix.SYS_SETSOCKOPT,
		uintptr(fd),
		uintptr(solTLS),
		uintptr(opt),
		uintptr(unsafe.Pointer(info)),
		unsafe.Sizeof(*info),
		0,
	)
	if errno != 0 {
		return errno
	}
	return nil
}

// ArmTCPConn runs one of EnableSender/EnableReceiver against the raw
// file descriptor underlying a *net.TCPConn, via SyscallConn's Control
// (the only sanctioned way to reach a net.Conn's fd without taking
// ownership of it away from the net package).
func ArmTCPConn(conn *net.TCPConn, keys secret.Keys, enable func(fd int, keys secret.Keys) error) error {
	raw, err := conn.SyscallConn()
	if err != nil {
		return fmt.Errorf("ktls: SyscallConn: %w", err)
	}
	var armErr error
	ctrlErr := raw.Control(func(fd uintptr) {
		armErr = enable(int(fd), keys)
	})
	if ctrlErr != nil {
		return fmt.Errorf("ktls: Control: %w", ctrlErr)
	}
	return armErr
}

// Available reports whether the running kernel supports the TLS ULP,
// by probing a scratch socket. The --ktls-probe self-test uses it;
// netsend and netrecv do not consult it, and a failure to arm kTLS there
// is a KindCryptoSetup error rather than a fallback to plaintext.
func Available() bool {
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM, 0)
	if err != nil {
		return false
	}
	defer unix.Close(fd)

	err = unix.SetsockoptString(fd, unix.IPPROTO_TCP, unix.TCP_ULP, "tls")
	return err == nil
}
