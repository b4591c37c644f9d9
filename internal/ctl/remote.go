package ctl

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"strconv"
	"time"

	"github.com/dmitrijs2005/filedrop/internal/server/auth"
	gs "github.com/dmitrijs2005/filedrop/internal/server/grpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

const remoteTimeout = 30 * time.Second

func dialAdmin(addr string) (*grpc.ClientConn, error) {
	return grpc.NewClient("passthrough:///"+addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
}

// remote parses the shared -addr flag, connects to the admin gRPC API with a
// freshly minted admin token and runs call.
func (a *App) remote(ctx context.Context, name string, args []string, call func(ctx context.Context, c *gs.AdminClient, args []string) error) error {
	cfg := a.config()

	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(a.errOut)
	addr := fs.String("addr", cfg.GRPCAddr, "admin gRPC address")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *addr == "" {
		return errors.New("no admin gRPC address configured")
	}

	tok, err := auth.GenerateToken("filedropctl", []byte(cfg.SecretKey), cfg.AdminTokenValidity)
	if err != nil {
		return err
	}
	conn, err := a.dial(*addr)
	if err != nil {
		return err
	}
	defer conn.Close()

	ctx, cancel := context.WithTimeout(ctx, remoteTimeout)
	defer cancel()
	return call(ctx, gs.NewAdminClient(conn, tok), fs.Args())
}

func (a *App) sweep(ctx context.Context, args []string) error {
	return a.remote(ctx, "sweep", args, func(ctx context.Context, c *gs.AdminClient, _ []string) error {
		n, err := c.RunExpirySweep(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintf(a.out, "deleted %d expired files\n", n)
		return nil
	})
}

func (a *App) revoke(ctx context.Context, args []string) error {
	return a.remote(ctx, "revoke", args, func(ctx context.Context, c *gs.AdminClient, rest []string) error {
		if len(rest) != 1 {
			return errors.New("expected <token-id>")
		}
		id, err := strconv.ParseInt(rest[0], 10, 64)
		if err != nil {
			return fmt.Errorf("bad token id %q", rest[0])
		}
		if err := c.RevokeToken(ctx, id); err != nil {
			return err
		}
		fmt.Fprintf(a.out, "revoked token %d\n", id)
		return nil
	})
}

func (a *App) tokens(ctx context.Context, args []string) error {
	return a.remote(ctx, "tokens", args, func(ctx context.Context, c *gs.AdminClient, rest []string) error {
		if len(rest) != 1 {
			return errors.New("expected <file-id>")
		}
		items, err := c.ListTokens(ctx, rest[0])
		if err != nil {
			return err
		}
		for _, it := range items {
			t, _ := it.(map[string]any)
			ref := t["public_id"]
			if ref == nil {
				ref = t["token"]
			}
			fmt.Fprintf(a.out, "%v\t%v\t%v\n", t["id"], t["mode"], ref)
		}
		return nil
	})
}

func (a *App) testNotify(ctx context.Context, args []string) error {
	return a.remote(ctx, "test-notify", args, func(ctx context.Context, c *gs.AdminClient, rest []string) error {
		if len(rest) != 1 {
			return errors.New("expected <sink>")
		}
		if err := c.SendTestNotification(ctx, rest[0]); err != nil {
			return err
		}
		fmt.Fprintf(a.out, "test notification sent via %s\n", rest[0])
		return nil
	})
}
