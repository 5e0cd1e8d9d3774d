// Command fsplls runs the FSP lower-layer service daemon: it binds one
// socket per configured local address plus a dedicated send socket,
// dispatches inbound packets to their Socket Items, and drives the
// per-socket timer wheel.
package main

import (
	"context"
	"log"
	"net"
	"net/http"
	_ "net/http/pprof"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/urfave/cli"

	"github.com/jaglee/fsp-lls/internal/crypto"
	"github.com/jaglee/fsp-lls/internal/dispatch"
	"github.com/jaglee/fsp-lls/internal/iface"
	"github.com/jaglee/fsp-lls/internal/notice"
	"github.com/jaglee/fsp-lls/internal/socket"
	"github.com/jaglee/fsp-lls/internal/table"
	"github.com/jaglee/fsp-lls/internal/timer"
)

// VERSION is injected by buildflags.
var VERSION = "SELFBUILD"

func main() {
	if VERSION == "SELFBUILD" {
		log.SetFlags(log.LstdFlags | log.Lshortfile)
	}

	app := cli.NewApp()
	app.Name = "fsplls"
	app.Usage = "Flexible Session Protocol lower-layer service"
	app.Version = VERSION
	app.Flags = []cli.Flag{
		cli.StringFlag{
			Name:  "listen,l",
			Value: "0.0.0.0:18000",
			Usage: `comma-separated local addresses to bind, eg: "0.0.0.0:18000,[::]:18000"`,
		},
		cli.StringFlag{
			Name:   "key",
			Value:  "it's a secret",
			Usage:  "pre-shared handshake key material",
			EnvVar: "FSPLLS_KEY",
		},
		cli.IntFlag{
			Name:  "tablesize",
			Value: 1024,
			Usage: "number of Socket Items the Socket Table pre-allocates ALFIDs for",
		},
		cli.IntFlag{
			Name:  "sndwnd",
			Value: 256,
			Usage: "send window size, in packet slots",
		},
		cli.IntFlag{
			Name:  "rcvwnd",
			Value: 256,
			Usage: "receive window size, in packet slots",
		},
		cli.IntFlag{
			Name:  "ratelimit",
			Value: 0,
			Usage: "maximum outgoing bytes per second across all sockets, 0 to disable pacing",
		},
		cli.IntFlag{
			Name:  "keepalive",
			Value: 10,
			Usage: "seconds between heartbeats before the first RTT sample primes the EWMA estimator",
		},
		cli.IntFlag{
			Name:  "noticedepth",
			Value: 256,
			Usage: "ULA notice queue depth",
		},
		cli.IntFlag{
			Name:  "timerworkers",
			Value: 4,
			Usage: "worker goroutines draining the timer wheel",
		},
		cli.StringFlag{
			Name:  "metrics",
			Value: "",
			Usage: "address to serve /metrics on, eg: \":9100\"; empty disables it",
		},
		cli.BoolFlag{
			Name:  "pprof",
			Usage: "start profiling server on :6060",
		},
		cli.StringFlag{
			Name:  "log",
			Value: "",
			Usage: "specify a log file to output, default goes to stderr",
		},
	}
	app.Action = run
	if err := app.Run(os.Args); err != nil {
		log.Fatalf("%+v", err)
	}
}

func run(c *cli.Context) error {
	if logPath := c.String("log"); logPath != "" {
		f, err := os.OpenFile(logPath, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0666)
		if err != nil {
			return errors.Wrap(err, "opening log file")
		}
		defer f.Close()
		log.SetOutput(f)
	}

	log.Println("version:", VERSION)
	log.Println("listen:", c.String("listen"))
	log.Println("tablesize:", c.Int("tablesize"))
	log.Println("sndwnd:", c.Int("sndwnd"), "rcvwnd:", c.Int("rcvwnd"))
	log.Println("ratelimit:", c.Int("ratelimit"))
	log.Println("keepalive:", c.Int("keepalive"))

	if c.Bool("pprof") {
		go http.ListenAndServe(":6060", nil)
	}

	reg := prometheus.NewRegistry()
	metrics := socket.NewMetrics(reg)
	if addr := c.String("metrics"); addr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		go func() {
			if err := http.ListenAndServe(addr, mux); err != nil {
				log.Println("metrics server:", err)
			}
		}()
		log.Println("metrics:", addr)
	}

	tlb, err := table.NewTLB(c.Int("tablesize"))
	if err != nil {
		return errors.Wrap(err, "building socket table")
	}

	notices := notice.NewQueue(c.Int("noticedepth"))
	defer notices.Close()
	go logNotices(notices)

	wheel := timer.NewWheel(c.Int("timerworkers"))
	defer wheel.Close()

	var pacer *socket.Pacer
	if rl := c.Int("ratelimit"); rl > 0 {
		pacer = socket.NewPacer(rl, rl*2)
	}

	jar, err := crypto.NewCookieJar(time.Now().UnixMicro())
	if err != nil {
		return errors.Wrap(err, "seeding cookie contexts")
	}

	d := &daemon{
		tlb:         tlb,
		notices:     notices,
		wheel:       wheel,
		metrics:     metrics,
		pacer:       pacer,
		jar:         jar,
		connects:    dispatch.NewConnectRequestQueue(c.Int("tablesize")),
		handles:     make(map[uint32]*dispatch.Handle),
		keyMaterial: []byte(c.String("key")),
		sndwnd:      c.Int("sndwnd"),
		rcvwnd:      c.Int("rcvwnd"),
		heartbeat:   time.Duration(c.Int("keepalive")) * time.Second,
	}

	li := iface.NewLowerInterface()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	addrs := strings.Split(c.String("listen"), ",")
	var bound int
	for _, a := range addrs {
		a = strings.TrimSpace(a)
		if a == "" {
			continue
		}
		conn, err := net.ListenPacket("udp", a)
		if err != nil {
			return errors.Wrapf(err, "binding %s", a)
		}
		li.Bind(ctx, conn, d)
		log.Println("bound:", conn.LocalAddr())
		if d.listenPort == "" {
			if _, port, err := net.SplitHostPort(conn.LocalAddr().String()); err == nil {
				d.listenPort = port
			}
		}
		bound++
	}
	if bound == 0 {
		return errors.New("fsplls: no listen address configured")
	}
	li.SetSendSocket(ctx, mustSendSocket(), d)
	d.li = li
	defer li.Close()

	watcher := iface.NewWatcher(5 * time.Second)
	changes := make(chan []iface.AddressChange, 1)
	go watcher.Run(ctx, changes)
	go d.watchAddressChanges(ctx, changes)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig
	log.Println("shutting down")
	return nil
}

func mustSendSocket() net.PacketConn {
	conn, err := net.ListenPacket("udp", ":0")
	if err != nil {
		log.Fatalf("%+v", errors.Wrap(err, "opening dedicated send socket"))
	}
	return conn
}

func logNotices(q *notice.Queue) {
	for {
		n, ok := q.Next()
		if !ok {
			return
		}
		log.Printf("notice[%s] alfid=%d %s", n.ID, n.ALFID, n.String())
	}
}

// daemon implements iface.Dispatcher, routing decoded frames to the
// Socket Item their destination ALFID names, and owns the ULA-facing
// command surface (Listen/Connect/Accept/Send/Commit/Shutdown/
// Multiply/InstallKey/AdRecvWindow/Reject/Recycle) that a future
// shared-memory IPC transport would feed.
type daemon struct {
	li          *iface.LowerInterface
	tlb         *table.TLB
	notices     *notice.Queue
	wheel       *timer.Wheel
	metrics     *socket.Metrics
	pacer       *socket.Pacer
	jar         *crypto.CookieJar
	connects    *dispatch.ConnectRequestQueue
	keyMaterial []byte
	sndwnd      int
	rcvwnd      int
	heartbeat   time.Duration
	listenPort  string

	mu      sync.Mutex
	handles map[uint32]*dispatch.Handle
}

// ReadError reports a bound socket's terminal read failure as a ULA
// notice so the daemon's log shows which interface dropped out.
func (d *daemon) ReadError(err error) {
	d.notices.Post(0, notice.NameResolutionFailed)
	log.Printf("read error: %+v", err)
}

// watchAddressChanges rebinds listening sockets as local addresses
// come and go.
func (d *daemon) watchAddressChanges(ctx context.Context, changes <-chan []iface.AddressChange) {
	for {
		select {
		case <-ctx.Done():
			return
		case batch, ok := <-changes:
			if !ok {
				return
			}
			for _, ch := range batch {
				// Interface addresses arrive in CIDR form.
				host := ch.Addr.String()
				if ip, _, err := net.ParseCIDR(host); err == nil {
					host = ip.String()
				}
				bindAddr := net.JoinHostPort(host, d.listenPort)
				if !ch.Added {
					d.li.Unbind(bindAddr)
					continue
				}
				conn, err := net.ListenPacket("udp", bindAddr)
				if err != nil {
					log.Println("rebind:", err)
					continue
				}
				d.li.Bind(ctx, conn, d)
			}
			// Revalidate every live peer by probing it with a
			// KEEP_ALIVE bound to the refreshed address set.
			d.probePeers()
		}
	}
}
