package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/shruggr/headsync/bitcoind"
	"github.com/shruggr/headsync/rpc"
)

// checkdaemon probes a bitcoind node over JSON-RPC and prints the
// result of one method call, getblockchaininfo by default. Useful for
// verifying credentials and chain identity before pointing headsync at
// a node.
func main() {
	url := flag.String("bitcoind", "http://127.0.0.1:8332", "bitcoind JSON-RPC URL")
	user := flag.String("rpcuser", "", "bitcoind RPC username")
	pass := flag.String("rpcpassword", "", "bitcoind RPC password")
	flag.Parse()

	method := "getblockchaininfo"
	var params []any
	if flag.NArg() > 0 {
		method = flag.Arg(0)
		for _, arg := range flag.Args()[1:] {
			var v any
			if err := json.Unmarshal([]byte(arg), &v); err != nil {
				v = arg // plain string param
			}
			params = append(params, v)
		}
	}

	daemon, err := bitcoind.New(&bitcoind.Config{
		URL:      *url,
		User:     *user,
		Pass:     *pass,
		NClients: 1,
	})
	if err != nil {
		log.Fatalf("Failed to create daemon pool: %v", err)
	}
	daemon.Startup()

	done := make(chan int, 1)
	daemon.SubmitRequest(nil, rpc.NewIntID(1), method, params,
		func(resp *rpc.Response) {
			var pretty any
			if err := json.Unmarshal(resp.Result, &pretty); err != nil {
				fmt.Println(string(resp.Result))
				done <- 0
				return
			}
			out, _ := json.MarshalIndent(pretty, "", "  ")
			fmt.Println(string(out))
			done <- 0
		},
		func(resp *rpc.Response) {
			log.Printf("RPC error %d: %s", resp.Err.Code, resp.Err.Message)
			done <- 1
		},
		func(id rpc.MsgID, msg string) {
			log.Printf("Request failed: %s", msg)
			done <- 1
		},
	)
	code := <-done
	daemon.Cleanup()
	os.Exit(code)
}
