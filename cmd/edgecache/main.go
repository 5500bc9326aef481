// Command edgecache is the CLI entrypoint for all three node roles:
// edge, client, cloud.
package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/covered-cache/edgecache/internal/config"
	"github.com/covered-cache/edgecache/internal/hashring"
	"github.com/covered-cache/edgecache/internal/logging"
	"github.com/covered-cache/edgecache/internal/node"
	"github.com/covered-cache/edgecache/internal/origin"
	"github.com/covered-cache/edgecache/internal/rpc"
	"github.com/covered-cache/edgecache/internal/transport"
	"github.com/covered-cache/edgecache/internal/wire"
	"github.com/urfave/cli/v2"
)

func main() {
	app := &cli.App{
		Name:  "edgecache",
		Usage: "distributed cooperative edge cache",
		Commands: []*cli.Command{
			edgeCommand(),
			clientCommand(),
			cloudCommand(),
		},
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "edgecache:", err)
		os.Exit(1)
	}
}

var configFlag = &cli.StringFlag{Name: "config", Aliases: []string{"c"}, Required: true, Usage: "path to the node's TOML config file"}
var edgeIDFlag = &cli.IntFlag{Name: "edge-id", Required: true, Usage: "this edge's id within the config's edge list"}

// edgeCommand runs one edge node: client/peer/beacon sockets, the
// cache server, the beacon server, and (for the COVERED variant) the
// placement manager, until SIGINT/SIGTERM.
func edgeCommand() *cli.Command {
	return &cli.Command{
		Name:  "edge",
		Usage: "run an edge node",
		Flags: []cli.Flag{configFlag, edgeIDFlag},
		Action: func(c *cli.Context) error {
			cfg, err := config.Load(c.String("config"))
			if err != nil {
				return err
			}
			n, err := node.New(cfg, hashring.EdgeID(c.Int("edge-id")))
			if err != nil {
				return err
			}
			defer n.Close()

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			n.Ctx.Log.Infow("edge node starting", "edge_id", c.Int("edge-id"), "variant", cfg.CacheVariant)
			return n.Run(ctx)
		},
	}
}

// clientCommand sends one LocalGet/Put/Del request to an edge's
// client-facing ingress and prints the response, a wire-protocol
// equivalent of a curl smoke test.
func clientCommand() *cli.Command {
	return &cli.Command{
		Name:  "client",
		Usage: "send one get/put/del request to an edge",
		Flags: []cli.Flag{
			configFlag, edgeIDFlag,
			&cli.StringFlag{Name: "op", Required: true, Usage: "get|put|del"},
			&cli.StringFlag{Name: "key", Required: true},
			&cli.StringFlag{Name: "value", Usage: "value bytes for put"},
			&cli.DurationFlag{Name: "timeout", Value: 2 * time.Second},
		},
		Action: func(c *cli.Context) error {
			cfg, err := config.Load(c.String("config"))
			if err != nil {
				return err
			}
			target, ok := edgeAddr(cfg, c.Int("edge-id"))
			if !ok {
				return fmt.Errorf("no edge %d in config", c.Int("edge-id"))
			}

			log := logging.NewNop()
			conn, err := transport.Listen("127.0.0.1:0", log)
			if err != nil {
				return err
			}
			defer conn.Close()
			rpcClient := rpc.NewClient(conn)

			ctx, cancel := context.WithTimeout(context.Background(), c.Duration("timeout"))
			defer cancel()
			go func() {
				_ = conn.Serve(ctx, func(msg wire.Message, from wire.NetworkAddr) {
					rpcClient.Dispatch(from, keyOf(msg), msg)
				})
			}()

			dst := wire.NetworkAddr{Host: "127.0.0.1", Port: portOf(target.ClientAddr)}
			key := c.String("key")
			hdr := wire.Header{SourceAddr: conn.LocalAddr()}

			switch c.String("op") {
			case "get":
				resp, err := rpcClient.Call(ctx, dst, key, &wire.LocalGetRequest{Hdr: hdr, Key: key}, wire.TypeLocalGetResponse, c.Duration("timeout"), 2)
				if err != nil {
					return err
				}
				r := resp.(*wire.LocalGetResponse)
				fmt.Printf("hit=%s deleted=%v value=%q\n", r.Hit, r.Value.Deleted, r.Value.Bytes)
			case "put":
				req := &wire.LocalPutRequest{Hdr: hdr, Key: key, Value: wire.Value{Bytes: []byte(c.String("value"))}}
				resp, err := rpcClient.Call(ctx, dst, key, req, wire.TypeLocalPutResponse, c.Duration("timeout"), 2)
				if err != nil {
					return err
				}
				r := resp.(*wire.LocalPutResponse)
				fmt.Printf("ok=%v\n", r.OK)
			case "del":
				resp, err := rpcClient.Call(ctx, dst, key, &wire.LocalDelRequest{Hdr: hdr, Key: key}, wire.TypeLocalDelResponse, c.Duration("timeout"), 2)
				if err != nil {
					return err
				}
				r := resp.(*wire.LocalDelResponse)
				fmt.Printf("ok=%v\n", r.OK)
			default:
				return fmt.Errorf("unknown op %q (want get|put|del)", c.String("op"))
			}
			return nil
		},
	}
}

// cloudCommand runs the cloud role: the authoritative
// origin store served over the GlobalGet/Put/Del wire family at the
// config's cloud_addr. The get/put/del ops additionally allow
// inspecting or seeding the store's bbolt file directly while no cloud
// process is running.
func cloudCommand() *cli.Command {
	return &cli.Command{
		Name:  "cloud",
		Usage: "serve the origin store, or inspect/seed its file directly",
		Flags: []cli.Flag{
			configFlag,
			&cli.StringFlag{Name: "op", Value: "serve", Usage: "serve|get|put|del"},
			&cli.StringFlag{Name: "key", Usage: "key for get|put|del"},
			&cli.StringFlag{Name: "value"},
		},
		Action: func(c *cli.Context) error {
			cfg, err := config.Load(c.String("config"))
			if err != nil {
				return err
			}
			if c.String("op") == "serve" {
				return serveCloud(cfg)
			}
			if cfg.OriginPath == "" {
				return fmt.Errorf("config has no origin_path; cloud file ops need a persistent origin")
			}
			store, err := origin.OpenBolt(cfg.OriginPath)
			if err != nil {
				return err
			}
			defer store.Close()

			ctx := context.Background()
			key := c.String("key")
			if key == "" {
				return fmt.Errorf("--key is required for op %q", c.String("op"))
			}
			switch c.String("op") {
			case "get":
				v, found, err := store.Get(ctx, key)
				if err != nil {
					return err
				}
				fmt.Printf("found=%v value=%q\n", found, v)
			case "put":
				if err := store.Put(ctx, key, []byte(c.String("value"))); err != nil {
					return err
				}
				fmt.Println("ok")
			case "del":
				if err := store.Delete(ctx, key); err != nil {
					return err
				}
				fmt.Println("ok")
			default:
				return fmt.Errorf("unknown op %q (want serve|get|put|del)", c.String("op"))
			}
			return nil
		},
	}
}

// serveCloud binds cloud_addr and answers Global requests until
// SIGINT/SIGTERM, the same lifetime shape as the edge subcommand.
func serveCloud(cfg *config.Config) error {
	if cfg.CloudAddr == "" {
		return fmt.Errorf("config has no cloud_addr; nothing to bind")
	}
	var store origin.Store
	var err error
	if cfg.OriginPath == "" {
		store = origin.NewMemory()
	} else {
		store, err = origin.OpenBolt(cfg.OriginPath)
		if err != nil {
			return err
		}
	}
	defer store.Close()

	log := logging.New(cfg.LogLevel, cfg.LogJSON).Named("cloud")
	conn, err := transport.Listen(cfg.CloudAddr, log)
	if err != nil {
		return err
	}
	defer conn.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	log.Infow("cloud node serving", "addr", conn.LocalAddr().String())
	err = origin.NewServer(conn, store, log).Serve(ctx)
	if err == context.Canceled {
		return nil
	}
	return err
}

func edgeAddr(cfg *config.Config, id int) (config.EdgeAddr, bool) {
	for _, e := range cfg.Edges {
		if e.EdgeID == id {
			return e, true
		}
	}
	return config.EdgeAddr{}, false
}

func portOf(addr string) uint16 {
	_, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return 0
	}
	p, err := strconv.Atoi(portStr)
	if err != nil {
		return 0
	}
	return uint16(p)
}

func keyOf(msg wire.Message) string {
	k, _ := wire.KeyOf(msg)
	return k
}
