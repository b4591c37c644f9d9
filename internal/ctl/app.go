// Package ctl implements filedropctl, the operator tool: seal and open files
// with the server's envelope format, preview share tokens, issue admin API
// tokens and call the admin gRPC API of a running server.
package ctl

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/dmitrijs2005/filedrop/internal/common"
	"github.com/dmitrijs2005/filedrop/internal/cryptox"
	"github.com/dmitrijs2005/filedrop/internal/server/auth"
	"github.com/dmitrijs2005/filedrop/internal/server/config"
	"github.com/dmitrijs2005/filedrop/internal/tokenx"
	"google.golang.org/grpc"
)

const usage = `usage: filedropctl <command> [flags]

commands:
  seal <in> <out>                 encrypt a file under a password
  open <in> <out>                 decrypt a sealed file
  mint [-n N] [-len L]            print share tokens
  admin-token                     print an admin API bearer token (-c config, -s secret, -t minutes)
  sweep [-addr A]                 run the expiry sweep on a running server now
  revoke [-addr A] <token-id>     revoke a share token
  tokens [-addr A] <file-id>      list the share tokens of a file
  test-notify [-addr A] <sink>    send a test notification (webhook|email)
`

type App struct {
	in     *bufio.Reader
	out    io.Writer
	errOut io.Writer
	engine *cryptox.Engine
	config func() *config.Config
	dial   func(addr string) (*grpc.ClientConn, error)
}

func NewApp(in io.Reader, out, errOut io.Writer) (*App, error) {
	engine, err := cryptox.NewEngine()
	if err != nil {
		return nil, err
	}
	return &App{in: newReader(in), out: out, errOut: errOut, engine: engine, config: config.LoadConfig, dial: dialAdmin}, nil
}

// Run executes one command and returns the process exit code.
func (a *App) Run(ctx context.Context, args []string) int {
	if len(args) == 0 {
		fmt.Fprint(a.errOut, usage)
		return 2
	}

	var err error
	switch args[0] {
	case "seal":
		err = a.seal(args[1:])
	case "open":
		err = a.open(args[1:])
	case "mint":
		err = a.mint(ctx, args[1:])
	case "admin-token":
		err = a.adminToken()
	case "sweep":
		err = a.sweep(ctx, args[1:])
	case "revoke":
		err = a.revoke(ctx, args[1:])
	case "tokens":
		err = a.tokens(ctx, args[1:])
	case "test-notify":
		err = a.testNotify(ctx, args[1:])
	case "help", "-h", "--help":
		fmt.Fprint(a.out, usage)
		return 0
	default:
		fmt.Fprintf(a.errOut, "unknown command %q\n\n%s", args[0], usage)
		return 2
	}
	if err != nil {
		fmt.Fprintf(a.errOut, "filedropctl %s: %v\n", args[0], err)
		return 1
	}
	return 0
}

func twoPaths(args []string) (string, string, error) {
	if len(args) != 2 {
		return "", "", errors.New("expected <in> <out>")
	}
	return args[0], args[1], nil
}

// writeAtomically streams fill into a temp file next to path and renames it
// into place only on success.
func writeAtomically(path string, fill func(w io.Writer) error) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".filedropctl-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if err := fill(tmp); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

func (a *App) seal(args []string) error {
	in, out, err := twoPaths(args)
	if err != nil {
		return err
	}
	src, err := os.Open(in)
	if err != nil {
		return err
	}
	defer src.Close()

	pw, err := a.GetPassword("Password: ", true)
	if err != nil {
		return err
	}
	defer common.WipeByteArray(pw)
	if len(pw) == 0 {
		return errors.New("empty password")
	}

	var n int64
	err = writeAtomically(out, func(w io.Writer) error {
		n, err = a.engine.Seal(w, src, pw)
		return err
	})
	if err != nil {
		return err
	}
	fmt.Fprintf(a.out, "sealed %d bytes into %s\n", n, out)
	return nil
}

func (a *App) open(args []string) error {
	in, out, err := twoPaths(args)
	if err != nil {
		return err
	}
	src, err := os.Open(in)
	if err != nil {
		return err
	}
	defer src.Close()

	pw, err := a.GetPassword("Password: ", false)
	if err != nil {
		return err
	}
	defer common.WipeByteArray(pw)

	plain, err := a.engine.Open(src, pw)
	if err != nil {
		if errors.Is(err, common.ErrAuthenticationFailed) {
			return errors.New("wrong password or damaged file")
		}
		return err
	}

	var n int64
	err = writeAtomically(out, func(w io.Writer) error {
		n, err = io.Copy(w, plain)
		return err
	})
	if err != nil {
		return err
	}
	fmt.Fprintf(a.out, "opened %d bytes into %s\n", n, out)
	return nil
}

func (a *App) mint(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("mint", flag.ContinueOnError)
	fs.SetOutput(a.errOut)
	count := fs.Int("n", 1, "number of tokens")
	length := fs.Int("len", tokenx.DefaultLength, "token length")
	if err := fs.Parse(args); err != nil {
		return err
	}

	codec, err := tokenx.NewCodec(*length)
	if err != nil {
		return err
	}
	seen := make(map[string]bool, *count)
	exists := func(_ context.Context, tok string) (bool, error) {
		return seen[tok] || seen[tok[:min(len(tok), tokenx.PublicIDLength)]], nil
	}
	for i := range *count {
		tok, err := codec.MintUnique(ctx, tokenx.Seed{FileID: "filedropctl", Size: int64(i)}, exists)
		if err != nil {
			return err
		}
		seen[tok] = true
		seen[tok[:tokenx.PublicIDLength]] = true
		fmt.Fprintf(a.out, "%s  public-id=%s\n", tok, tok[:tokenx.PublicIDLength])
	}
	return nil
}

func (a *App) adminToken() error {
	cfg := a.config()
	tok, err := auth.GenerateToken("filedropctl", []byte(cfg.SecretKey), cfg.AdminTokenValidity)
	if err != nil {
		return err
	}
	fmt.Fprintf(a.errOut, "valid until %s\n", time.Now().Add(cfg.AdminTokenValidity).Format(time.RFC3339))
	fmt.Fprintln(a.out, tok)
	return nil
}
