// Package wormhole implements the core of the Wormhole rendezvous and
// handshake protocol: two parties, each holding a short human-typed code,
// establish a mutually authenticated encrypted channel over an untrusted
// relay server without pre-shared keys or PKI.
//
// One side generates a code and waits:
//
//	cfg := wormhole.AppConfig{
//	    ID:            "example.com/my-app",
//	    RendezvousURL: "wss://relay.example.com/v1",
//	}
//
//	welcome, pending, err := wormhole.ConnectWithoutCode(ctx, cfg, 2)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Println("tell your peer:", welcome.Code)
//
//	wh, err := pending.Wait(ctx) // blocks until the peer arrives
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer wh.Close(ctx)
//
// The other side types the code in:
//
//	_, wh, err := wormhole.ConnectWithCode(ctx, cfg, "7-crossover-clockwork", false)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer wh.Close(ctx)
//
//	err = wh.Send(ctx, "data", []byte("hello"))
//
// The code's nameplate rendezvouses the parties at the relay; its secret
// words feed a SPAKE2 exchange that derives the session key. Every
// message is individually authenticated-encrypted under per-phase,
// per-direction keys, so the relay only ever sees ciphertext, and a
// wrong code surfaces as an authentication failure on the first
// encrypted message.
package wormhole
