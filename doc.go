// Package ingestd exposes the Go APIs behind a single-binary HTTP event
// collector with indexer acknowledgement tracking. Producers submit event
// batches on named channels and poll until the server reports each batch
// durably persisted, giving end-to-end delivery confirmation over plain HTTP.
//
// # Running a server
//
// The server listens on the network specified by `Config.ListenProto`
// (default `tcp`) and address `Config.Listen`. Events are persisted by the
// store selected with `Config.Store`: `mem://` keeps them in memory (useful
// for tests), `disk:///var/lib/ingestd` appends them to fsync-backed log
// segments.
//
//	cfg := ingestd.DefaultConfig()
//	cfg.Store = "disk:///var/lib/ingestd"
//	srv, err := ingestd.NewServer(cfg)
//	if err != nil { log.Fatal(err) }
//	go func() {
//	    if err := srv.Start(); err != nil {
//	        log.Fatalf("ingestd: %v", err)
//	    }
//	}()
//	defer func() {
//	    if err := srv.Shutdown(context.Background()); err != nil {
//	        log.Printf("ingestd shutdown: %v", err)
//	    }
//	}()
//
// # Acknowledgement tracking
//
// With acknowledgements enabled (the default) every submission on a channel
// receives an ack id. The id answers true on /services/collector/ack exactly
// once, after the store has confirmed durability; the client package wraps
// the polling loop behind a Receipt:
//
//	cli, _ := client.New("http://127.0.0.1:9428")
//	receipt, _ := cli.Submit(ctx, api.EventEnvelope{Event: payload})
//	if err := receipt.Wait(ctx); err != nil {
//	    log.Printf("batch not confirmed: %v", err)
//	}
//
// Admission control keeps acknowledgement state bounded: per-channel and
// global caps evict the oldest outstanding ids, and with
// Config.AckIdleCleanup set an idle reaper drops channels untouched for
// Config.MaxIdleTime.
package ingestd
