// Package client is a Go client for the amid manager line protocol.
//
// A Client owns one TCP or TLS connection. Actions are written with a
// generated ActionID and their replies are matched by it, so several
// goroutines may issue actions concurrently. Unsolicited events are
// buffered without bound and delivered on Events.
//
//	ctx := context.Background()
//	c, err := client.Dial(ctx, "127.0.0.1:5038")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer c.Close()
//	if err := c.Login(ctx, "admin", "secret"); err != nil {
//	    log.Fatal(err)
//	}
//	out, err := c.Command(ctx, "core show channels")
//
// List actions such as Status or GetVMList reply with a start block followed
// by events carrying the same ActionID; ActionList collects them up to the
// closing event.
package client
