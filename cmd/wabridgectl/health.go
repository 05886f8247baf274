package main

import (
	"fmt"

	"github.com/urfave/cli/v2"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/protobuf/encoding/protojson"

	"github.com/matheus3301/wabridge/internal/daemon"
	"github.com/matheus3301/wabridge/internal/paths"
)

var healthCommand = &cli.Command{
	Name:      "health",
	Usage:     "Query the daemon health socket, or one user's session with USER",
	ArgsUsage: "[USER]",
	Flags: []cli.Flag{
		jsonFlag,
		&cli.StringFlag{Name: "socket", Usage: "Health socket path (default: <data-dir>/wabridge.sock)"},
	},
	Action: cmdHealth,
}

func cmdHealth(ctx *cli.Context) error {
	socket := ctx.String("socket")
	if socket == "" {
		socket = paths.SocketPath(getConfig(ctx).DataDir)
	}
	conn, err := grpc.NewClient("unix://"+socket, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return fmt.Errorf("cannot connect to daemon socket %s: %w", socket, err)
	}
	defer func() { _ = conn.Close() }()

	service := daemon.ServiceName
	if ctx.NArg() > 0 {
		service = daemon.SessionService(ctx.Args().Get(0))
	}
	resp, err := healthpb.NewHealthClient(conn).Check(ctx.Context, &healthpb.HealthCheckRequest{Service: service})
	if err != nil {
		return fmt.Errorf("health check %q: %w", service, err)
	}
	if ctx.Bool("json") {
		raw, err := protojson.MarshalOptions{Multiline: true, Indent: "  "}.Marshal(resp)
		if err != nil {
			return err
		}
		fmt.Println(string(raw))
		return nil
	}
	fmt.Printf("%s: %s\n", service, resp.GetStatus())
	return nil
}
