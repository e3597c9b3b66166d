package ssp

import (
	"net"
	"testing"
	"time"
)

// scriptedServer reads one frame at a time off the given side of a
// net.Pipe and replies with whatever respond returns, looping until the
// test closes the pipe. respond sees the decoded command byte and payload.
func scriptedServer(t *testing.T, conn net.Conn, timeout time.Duration, respond func(cmd byte, payload []byte) (status byte, payload2 []byte, reply bool)) {
	t.Helper()
	framer := NewFramer(conn, timeout)
	go func() {
		for {
			pkt, err := framer.ReadFrame()
			if err != nil {
				return
			}
			if len(pkt.Payload) == 0 {
				return
			}
			cmd := pkt.Payload[0]
			status, extra, reply := respond(cmd, pkt.Payload[1:])
			if !reply {
				continue // simulate a dropped/missing reply to force a timeout
			}
			resp := append([]byte{status}, extra...)
			if err := framer.WriteFrame(0, pkt.Seq(), resp); err != nil {
				return
			}
		}
	}()
}

func TestSessionSendBasic(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	scriptedServer(t, server, time.Second, func(cmd byte, payload []byte) (byte, []byte, bool) {
		return byte(StatusOK), []byte{0xAA}, true
	})

	sess := NewSession(NewFramer(client, time.Second), 0x10, DefaultRetryLevel)
	resp, err := sess.Send(CmdSync, nil)
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if len(resp) != 1 || resp[0] != 0xAA {
		t.Fatalf("resp = %v, want [0xAA]", resp)
	}
}

func TestSessionSendRetriesOnBusyThenSucceeds(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	attempt := 0
	scriptedServer(t, server, time.Second, func(cmd byte, payload []byte) (byte, []byte, bool) {
		attempt++
		if attempt == 1 {
			return byte(StatusCommandNotProcessed), []byte{SubcodePayoutBusy}, true
		}
		return byte(StatusOK), nil, true
	})

	sess := NewSession(NewFramer(client, time.Second), 0x10, DefaultRetryLevel)
	start := time.Now()
	_, err := sess.Send(CmdSync, nil)
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if attempt != 2 {
		t.Fatalf("attempt = %d, want 2", attempt)
	}
	if elapsed := time.Since(start); elapsed < busyBackoff {
		t.Fatalf("elapsed %v did not include busy backoff of %v", elapsed, busyBackoff)
	}
}

func TestSessionSendKeyNotSetNoRetry(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	attempt := 0
	scriptedServer(t, server, time.Second, func(cmd byte, payload []byte) (byte, []byte, bool) {
		attempt++
		return byte(StatusKeyNotSet), nil, true
	})

	sess := NewSession(NewFramer(client, time.Second), 0x10, DefaultRetryLevel)
	_, err := sess.Send(CmdSync, nil)
	if err != ErrKeyNotSet {
		t.Fatalf("err = %v, want ErrKeyNotSet", err)
	}
	if attempt != 1 {
		t.Fatalf("attempt = %d, want 1 (KEY_NOT_SET must not retry)", attempt)
	}
}

func TestSessionSendTimesOutAfterRetries(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	scriptedServer(t, server, 20*time.Millisecond, func(cmd byte, payload []byte) (byte, []byte, bool) {
		return 0, nil, false // never reply
	})

	sess := NewSession(NewFramer(client, 20*time.Millisecond), 0x10, 1)
	_, err := sess.Send(CmdSync, nil)
	if err != ErrTimeout {
		t.Fatalf("err = %v, want ErrTimeout", err)
	}
}

func TestSessionNegotiateEncryptionMarksSessionEncrypted(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	serverSess := NewSession(NewFramer(server, time.Second), 0x10, 0)
	srvErrc := make(chan error, 1)
	go func() {
		// Mirror the client's key exchange from the slave's point of view
		// using the same reference KeyAgreement, so both sides derive the
		// identical session key.
		fr := NewFramer(server, time.Second)
		var generator, modulus, secret uint64
		for i := 0; i < 4; i++ {
			pkt, err := fr.ReadFrame()
			if err != nil {
				srvErrc <- err
				return
			}
			cmd := Command(pkt.Payload[0])
			switch cmd {
			case CmdSync:
				fr.WriteFrame(0, pkt.Seq(), []byte{byte(StatusOK)})
			case CmdSetGenerator:
				generator = decodeUint64(pkt.Payload[1:])
				fr.WriteFrame(0, pkt.Seq(), []byte{byte(StatusOK)})
			case CmdSetModulus:
				modulus = decodeUint64(pkt.Payload[1:])
				fr.WriteFrame(0, pkt.Seq(), []byte{byte(StatusOK)})
			case CmdKeyExchange:
				secret = DefaultKeyAgreement.HostRandom()
				slavePublic := DefaultKeyAgreement.Public(generator, modulus, secret)
				resp := append([]byte{byte(StatusOK)}, encodeUint64(slavePublic)...)
				fr.WriteFrame(0, pkt.Seq(), resp)

				hostPublic := decodeUint64(pkt.Payload[1:])
				shared := DefaultKeyAgreement.Shared(generator, modulus, secret, hostPublic)
				key := makeSessionKey(0, shared)
				c, err := newSessionCipher(key)
				if err != nil {
					srvErrc <- err
					return
				}
				serverSess.cipher = c
				serverSess.encryption = true
			}
		}
		srvErrc <- nil
	}()

	clientSess := NewSession(NewFramer(client, time.Second), 0x10, 0)
	if err := clientSess.NegotiateEncryption(0); err != nil {
		t.Fatalf("NegotiateEncryption: %v", err)
	}
	if err := <-srvErrc; err != nil {
		t.Fatalf("server side: %v", err)
	}
	if !clientSess.Encrypted() {
		t.Fatalf("client session not marked encrypted")
	}
}
