package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/seantiz/forge/internal/engine"
	"github.com/seantiz/forge/internal/model"
	"github.com/seantiz/forge/internal/transport"
	"github.com/seantiz/forge/internal/wire"
)

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the engine version",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s (protocol %s)\n", engine.Implementation, version, wire.ProtocolVersion)
		},
	}
}

func newInfoCmd() *cobra.Command {
	var (
		addr    string
		key     string
		timeout time.Duration
	)

	cmd := &cobra.Command{
		Use:   "info",
		Short: "Query a running engine with a kernel_info_request",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			reply, err := kernelInfo(ctx, addr, []byte(key))
			if err != nil {
				return err
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(reply)
		},
	}

	cmd.Flags().StringVar(&addr, "shell", "tcp://127.0.0.1:5555", "engine shell address")
	cmd.Flags().StringVar(&key, "key", os.Getenv("FORGE_SIGNING_KEY"), "HMAC signing key")
	cmd.Flags().DurationVar(&timeout, "timeout", 5*time.Second, "request timeout")
	return cmd
}

func kernelInfo(ctx context.Context, addr string, key []byte) (*model.KernelInfoReply, error) {
	conn, err := transport.Dial(ctx, addr)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		if err := conn.SetDeadline(deadline); err != nil {
			return nil, fmt.Errorf("set deadline: %w", err)
		}
	}

	session := wire.NewSession("forge-cli", key)
	req, err := session.NewMessage(model.MsgKernelInfoRequest, struct{}{}, wire.Options{})
	if err != nil {
		return nil, err
	}
	if err := conn.Send(req); err != nil {
		return nil, fmt.Errorf("send kernel_info_request: %w", err)
	}

	reply, err := conn.Receive()
	if err != nil {
		return nil, fmt.Errorf("read kernel_info_reply: %w", err)
	}
	if err := session.Verify(reply); err != nil {
		return nil, err
	}

	var info model.KernelInfoReply
	if err := reply.DecodeContent(&info); err != nil {
		return nil, fmt.Errorf("decode kernel_info_reply: %w", err)
	}
	return &info, nil
}
