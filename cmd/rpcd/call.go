package main

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/creachadair/command"
	"go.uber.org/zap"

	"unary-rpc/client"
	"unary-rpc/codec"
	"unary-rpc/lifecycle"
	"unary-rpc/loadbalance"
	"unary-rpc/message"
	"unary-rpc/registry"
)

var callFlags struct {
	Addr     string        `flag:"addr,Server address (bypasses the registry)"`
	Codec    string        `flag:"codec,default=json,Envelope codec (json or binary)"`
	Timeout  time.Duration `flag:"timeout,default=5s,Call timeout"`
	Metadata string        `flag:"meta,Comma-separated key=value metadata"`
	Key      string        `flag:"key,Balancer key for consistent hashing"`
	Balancer string        `flag:"lb,default=round_robin,Load balancer (round_robin, weighted_random, consistent_hash)"`
}

func parseMetadata(s string) (map[string]string, error) {
	if s == "" {
		return nil, nil
	}
	md := make(map[string]string)
	for _, kv := range strings.Split(s, ",") {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("invalid metadata %q, want key=value", kv)
		}
		md[k] = v
	}
	return md, nil
}

func runCall(env *command.Env) error {
	if len(env.Args) == 0 || len(env.Args) > 2 {
		return env.Usagef("want <Service.Method> [<json-request>]")
	}
	method := env.Args[0]
	service, _, err := message.SplitServiceMethod(method)
	if err != nil {
		return err
	}
	var req json.RawMessage
	if len(env.Args) == 2 {
		req = json.RawMessage(env.Args[1])
		if !json.Valid(req) {
			return fmt.Errorf("request is not valid JSON: %s", req)
		}
	}
	md, err := parseMetadata(callFlags.Metadata)
	if err != nil {
		return err
	}
	ct, err := codec.ParseType(callFlags.Codec)
	if err != nil {
		return err
	}

	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	log, err := cfg.Log.Build()
	if err != nil {
		return err
	}
	defer log.Sync()

	// With -addr, a private registry holds the one target.
	var reg registry.Registry
	if callFlags.Addr != "" {
		mem := registry.NewMemory()
		if err := mem.Register(context.Background(), service, registry.Instance{Addr: callFlags.Addr}, 0); err != nil {
			return err
		}
		reg = mem
	} else if reg, err = openRegistry(cfg.Registry, log); err != nil {
		return err
	}
	defer reg.Close()

	bal, err := loadbalance.New(callFlags.Balancer)
	if err != nil {
		return err
	}
	c := client.NewClient(reg,
		client.WithCodec(ct),
		client.WithBalancer(bal),
		client.WithLogger(log),
		client.WithRetry(lifecycle.Backoff{MaxAttempts: 3}),
	)
	defer c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), callFlags.Timeout)
	defer cancel()

	var rspMD map[string]string
	var res json.RawMessage
	if err := c.Call(ctx, method, req, &res,
		client.WithMetadata(md), client.WithKey(callFlags.Key), client.ResponseMetadata(&rspMD)); err != nil {
		return err
	}
	if len(rspMD) != 0 {
		log.Debug("response metadata", zap.Any("metadata", rspMD))
	}
	fmt.Println(string(res))
	return nil
}
