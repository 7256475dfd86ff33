package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"market-relay/src/grpc_control"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"
)

const usage = `usage: relayctl [-addr host:port] <command>

commands:
  status                           relay status
  subs                             upstream subscriptions
  reset <alert-id>                 re-arm a triggered alert
  signal <symbol> <kind> [message] fire pattern / ai_signal rules
`

func main() {
	addr := flag.String("addr", "127.0.0.1:50051", "gRPC control address")
	timeout := flag.Duration("timeout", 5*time.Second, "request timeout")
	flag.Usage = func() { fmt.Fprint(os.Stderr, usage) }
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		flag.Usage()
		os.Exit(2)
	}

	conn, err := grpc.NewClient(*addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		fmt.Fprintf(os.Stderr, "connect %s: %v\n", *addr, err)
		os.Exit(1)
	}
	defer conn.Close()

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	out, err := call(ctx, grpc_control.NewRelayControlClient(conn), args)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	fmt.Println(protojson.Format(out))
}

// -----------------------------------------------------------------------------

func call(ctx context.Context, client *grpc_control.RelayControlClient, args []string) (*structpb.Struct, error) {
	switch args[0] {
	case "status":
		return client.GetStatus(ctx)

	case "subs", "subscriptions":
		return client.ListSubscriptions(ctx)

	case "reset":
		if len(args) != 2 {
			return nil, fmt.Errorf("reset needs an alert id")
		}
		req, err := structpb.NewStruct(map[string]interface{}{"id": args[1]})
		if err != nil {
			return nil, err
		}
		return client.ResetAlert(ctx, req)

	case "signal":
		if len(args) < 3 {
			return nil, fmt.Errorf("signal needs a symbol and a kind")
		}
		req, err := structpb.NewStruct(map[string]interface{}{
			"symbol":  args[1],
			"kind":    args[2],
			"message": strings.Join(args[3:], " "),
		})
		if err != nil {
			return nil, err
		}
		return client.TriggerSignal(ctx, req)

	default:
		return nil, fmt.Errorf("unknown command %q\n%s", args[0], usage)
	}
}
