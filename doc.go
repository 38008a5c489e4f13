// Package amid runs an Asterisk-compatible manager interface: a
// line-oriented TCP protocol (optionally over TLS) and an HTTP adapter
// through which clients log in, run actions and receive a filtered stream of
// events published by the telephony core.
//
// # Running a server
//
// Users, permissions and listen settings come from manager.conf in
// Config.ConfigDir; Config covers the process around it (HTTP binding,
// telemetry, connection limits, the failed-login guard).
//
//	srv, err := amid.NewServer(amid.Config{
//	    ConfigDir:   "/etc/amid",
//	    HTTPListen:  ":8088",
//	    WatchConfig: true,
//	})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	go func() {
//	    if err := srv.Start(); err != nil {
//	        log.Fatalf("amid: %v", err)
//	    }
//	}()
//	defer srv.Close()
//
// A minimal manager.conf:
//
//	[general]
//	enabled = yes
//	port = 5038
//	bindaddr = 0.0.0.0
//	webenabled = yes
//
//	[admin]
//	secret = s3cret
//	deny = 0.0.0.0/0.0.0.0
//	permit = 127.0.0.1/255.255.255.255
//	read = all
//	write = all
//
// # Reloading
//
// The manager reloads on "manager reload", on the Reload action for module
// "manager" and, with WatchConfig, when the files change on disk. Listeners
// are rebound when their address or certificate changes; established
// sessions survive and keep the permissions they logged in with.
//
// # Embedding
//
// Server.Manager returns the manager core: hosts publish events with Emit,
// register actions with RegisterAction and observe every event with hooks.
// Server.PBX returns the in-memory channel, dialplan, voicemail and module
// collaborators the built-in actions drive.
package amid
