// Command vita-keymgrd is the key management daemon: it loads a route
// configuration, drives a keymgr.Manager from a single goroutine on a fixed
// tick, and watches its config file for hot-reload.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/jackc/pgx/v5"

	"code.vita-gw.org/keymgr/internal/clock"
	"code.vita-gw.org/keymgr/internal/observability"
	"code.vita-gw.org/keymgr/internal/transport"
	"code.vita-gw.org/keymgr/pkg/audit"
	"code.vita-gw.org/keymgr/pkg/audit/pgaudit"
	"code.vita-gw.org/keymgr/pkg/keymgr"
	"code.vita-gw.org/keymgr/pkg/route"
	"code.vita-gw.org/keymgr/pkg/sadb"
)

const tickInterval = 50 * time.Millisecond

func main() {
	configPath := flag.String("config", "", "path to the route configuration document")
	spiDBPath := flag.String("spi-db", "", "path to the durable SPI counter database (defaults next to -config)")
	pgDSN := flag.String("audit-pg-dsn", os.Getenv("VITA_AUDIT_PG_DSN"), "optional postgres DSN for a durable audit sink")
	pgSchema := flag.String("audit-pg-schema", "vita_audit", "schema name for the durable audit sink")
	metricsAddr := flag.String("metrics-addr", "", "optional address to serve /counters and /routes on (disabled if empty)")
	flag.Parse()

	if "" == *configPath {
		slog.Error("missing required -config flag")
		os.Exit(2)
	}
	if "" == *spiDBPath {
		*spiDBPath = *configPath + ".spidb"
	}

	ctx := context.Background()
	obs := &observability.Observability{Logger: slog.Default()}
	ctx = observability.SetObservability(ctx, obs)
	log := obs.Log()

	doc, err := loadConfig(*configPath)
	if nil != err {
		log.Error("failed loading configuration", "err", err)
		os.Exit(1)
	}

	clk := clock.Real{}

	alloc, err := sadb.NewDurableAllocator(*spiDBPath)
	if nil != err {
		// The SPI counter must be writable before any exchange can complete;
		// treat this like a failure to open the SA database itself.
		log.Error("failed opening durable SPI counter database", "err", err)
		os.Exit(1)
	}

	db := sadb.NewDatabase(doc.SADBPath, clk)

	sinks := audit.Multi{audit.NewLogSink(log, clk, audit.DefaultRateLimit)}
	if "" != *pgDSN {
		pgSink, err := connectPGAudit(ctx, *pgDSN, *pgSchema, doc.Routes)
		if nil != err {
			log.Error("failed connecting durable audit sink, continuing with log sink only", "err", err)
		} else {
			sinks = append(sinks, pgSink)
		}
	}

	mgr := keymgr.New(doc.ProcessConfig, db, alloc, clk, nil, sinks)

	if err := mgr.Reconfigure(ctx, doc); nil != err {
		log.Error("failed applying initial configuration", "err", err)
		os.Exit(1)
	}
	if _, err := db.PublishIfDue(); nil != err {
		log.Error("failed writing initial SA database", "err", err)
		os.Exit(1)
	}

	watcher, err := fsnotify.NewWatcher()
	if nil != err {
		log.Error("failed creating config watcher", "err", err)
		os.Exit(1)
	}
	defer watcher.Close()
	if err := watcher.Add(*configPath); nil != err {
		log.Error("failed watching config file", "err", err)
		os.Exit(1)
	}

	conn, err := net.ListenIP("ip4:"+strconv.Itoa(transport.ProtocolNumber), &net.IPAddr{IP: doc.NodeIP})
	if nil != err {
		log.Error("failed opening raw IP socket", "err", err)
		os.Exit(1)
	}
	defer conn.Close()
	// Outgoing datagrams carry their own IPv4 header (transport.WrapIPv4:
	// ttl 64, protocol 99); without IP_HDRINCL the kernel would prepend a
	// second one.
	if err := setHeaderIncluded(conn); nil != err {
		log.Error("failed setting IP_HDRINCL on raw socket", "err", err)
		os.Exit(1)
	}

	sigCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	inbound := make(chan []byte, 64)
	go readLoop(sigCtx, conn, inbound, log)

	if "" != *metricsAddr {
		srv := &http.Server{Addr: *metricsAddr, Handler: countersHandler(mgr)}
		go func() {
			if err := srv.ListenAndServe(); nil != err && http.ErrServerClosed != err {
				log.Error("counters HTTP server exited", "err", err)
			}
		}()
		go func() {
			<-sigCtx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			srv.Shutdown(shutdownCtx)
		}()
	}

	run(sigCtx, mgr, db, conn, watcher, inbound, configPath, log)
}

func connectPGAudit(ctx context.Context, dsn, schema string, routes []route.Config) (*pgaudit.Sink, error) {
	conn, err := pgx.Connect(ctx, dsn)
	if nil != err {
		return nil, err
	}
	err = pgaudit.Migrate(ctx, conn, schema)
	conn.Close(ctx)
	if nil != err {
		return nil, err
	}

	sink, err := pgaudit.NewSink(ctx, dsn, schema)
	if nil != err {
		return nil, err
	}
	for _, r := range routes {
		if err := sink.RegisterRoute(r.ID, r.PSK); nil != err {
			return nil, err
		}
	}
	return sink, nil
}

func setHeaderIncluded(conn *net.IPConn) error {
	raw, err := conn.SyscallConn()
	if nil != err {
		return err
	}
	var serr error
	err = raw.Control(func(fd uintptr) {
		serr = syscall.SetsockoptInt(int(fd), syscall.IPPROTO_IP, syscall.IP_HDRINCL, 1)
	})
	if nil != err {
		return err
	}
	return serr
}

func loadConfig(path string) (route.Document, error) {
	raw, err := os.ReadFile(path)
	if nil != err {
		return route.Document{}, err
	}
	var doc route.Document
	if err := json.Unmarshal(raw, &doc); nil != err {
		return route.Document{}, err
	}
	doc.ProcessConfig = doc.ProcessConfig.WithDefaults()
	return doc, nil
}

func readLoop(ctx context.Context, conn *net.IPConn, inbound chan<- []byte, log *slog.Logger) {
	buf := make([]byte, 4096)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		conn.SetReadDeadline(time.Now().Add(time.Second))
		n, _, err := conn.ReadFromIP(buf)
		if nil != err {
			continue
		}
		_, _, payload, err := transport.UnwrapIPv4(buf[:n])
		if nil != err {
			log.Warn("dropping malformed IPv4 packet", "err", err)
			continue
		}
		cp := append([]byte(nil), payload...)
		select {
		case inbound <- cp:
		case <-ctx.Done():
			return
		default:
			log.Warn("inbound queue full, dropping datagram")
		}
	}
}

func run(ctx context.Context, mgr *keymgr.Manager, db *sadb.Database, conn *net.IPConn, watcher *fsnotify.Watcher, inbound <-chan []byte, configPath *string, log *slog.Logger) {
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case ev, ok := <-watcher.Events:
			if !ok {
				continue
			}
			if 0 == ev.Op&(fsnotify.Write|fsnotify.Create) {
				continue
			}
			doc, err := loadConfig(*configPath)
			if nil != err {
				log.Error("failed reloading configuration, keeping previous", "err", err)
				continue
			}
			if err := mgr.Reconfigure(ctx, doc); nil != err {
				log.Error("fatal error reconfiguring manager", "err", err)
				os.Exit(1)
			}

		case werr, ok := <-watcher.Errors:
			if ok {
				log.Error("config watcher error", "err", werr)
			}

		case <-ticker.C:
			var pending [][]byte
		drain:
			for {
				select {
				case b := <-inbound:
					pending = append(pending, b)
				default:
					break drain
				}
			}

			out, err := mgr.Tick(ctx, pending)
			if nil != err {
				log.Error("fatal error in key manager tick, aborting", "err", err)
				os.Exit(1)
			}
			for _, o := range out {
				wrapped, err := transport.WrapIPv4(conn.LocalAddr().(*net.IPAddr).IP, o.Gateway, o.Datagram)
				if nil != err {
					log.Warn("failed wrapping outbound datagram", "route", o.Route, "err", err)
					continue
				}
				if _, err := conn.WriteToIP(wrapped, &net.IPAddr{IP: o.Gateway}); nil != err {
					log.Warn("failed writing outbound datagram", "route", o.Route, "err", err)
				}
			}
		}
	}
}
