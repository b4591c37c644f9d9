package ctl

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/dmitrijs2005/filedrop/internal/cryptox"
	"github.com/dmitrijs2005/filedrop/internal/server/auth"
	"github.com/dmitrijs2005/filedrop/internal/server/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestApp(t *testing.T, stdin string) (*App, *bytes.Buffer, *bytes.Buffer) {
	t.Helper()
	var out, errOut bytes.Buffer
	a, err := NewApp(strings.NewReader(stdin), &out, &errOut)
	require.NoError(t, err)
	a.engine, err = cryptox.NewEngine(cryptox.WithKDFParams(cryptox.KDFParams{Time: 1, MemoryKiB: 64, Threads: 1}))
	require.NoError(t, err)
	return a, &out, &errOut
}

func stubTerminal(t *testing.T, tty bool, passwords ...string) {
	t.Helper()
	origRead, origTTY := readPassword, isTerminal
	t.Cleanup(func() { readPassword, isTerminal = origRead, origTTY })
	isTerminal = func(int) bool { return tty }
	readPassword = func(int) ([]byte, error) {
		if len(passwords) == 0 {
			return nil, os.ErrClosed
		}
		p := passwords[0]
		passwords = passwords[1:]
		return []byte(p), nil
	}
}

func TestSealOpen_RoundTrip(t *testing.T) {
	dir := t.TempDir()
	plainPath := filepath.Join(dir, "plain.txt")
	sealedPath := filepath.Join(dir, "plain.txt.fdrp")
	openedPath := filepath.Join(dir, "opened.txt")
	require.NoError(t, os.WriteFile(plainPath, []byte("quarterly numbers"), 0o600))

	stubTerminal(t, true, "hunter2", "hunter2")
	a, out, _ := newTestApp(t, "")
	require.Equal(t, 0, a.Run(context.Background(), []string{"seal", plainPath, sealedPath}))
	assert.Contains(t, out.String(), "sealed 17 bytes")

	sealed, err := os.ReadFile(sealedPath)
	require.NoError(t, err)
	assert.NotContains(t, string(sealed), "quarterly")

	stubTerminal(t, false)
	a, _, _ = newTestApp(t, "hunter2\n")
	require.Equal(t, 0, a.Run(context.Background(), []string{"open", sealedPath, openedPath}))
	opened, err := os.ReadFile(openedPath)
	require.NoError(t, err)
	assert.Equal(t, "quarterly numbers", string(opened))
}

func TestOpen_WrongPasswordLeavesNoOutput(t *testing.T) {
	dir := t.TempDir()
	sealedPath := filepath.Join(dir, "s")
	openedPath := filepath.Join(dir, "o")

	stubTerminal(t, false)
	a, _, _ := newTestApp(t, "right\n")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "p"), []byte("x"), 0o600))
	require.Equal(t, 0, a.Run(context.Background(), []string{"seal", filepath.Join(dir, "p"), sealedPath}))

	a, _, errOut := newTestApp(t, "wrong\n")
	assert.Equal(t, 1, a.Run(context.Background(), []string{"open", sealedPath, openedPath}))
	assert.Contains(t, errOut.String(), "wrong password or damaged file")
	_, err := os.Stat(openedPath)
	assert.True(t, os.IsNotExist(err))
}

func TestSeal_ConfirmMismatch(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "p"), []byte("x"), 0o600))
	stubTerminal(t, true, "one", "two")
	a, _, errOut := newTestApp(t, "")
	assert.Equal(t, 1, a.Run(context.Background(), []string{"seal", filepath.Join(dir, "p"), filepath.Join(dir, "s")}))
	assert.Contains(t, errOut.String(), errPasswordMismatch.Error())
}

func TestMint(t *testing.T) {
	a, out, _ := newTestApp(t, "")
	require.Equal(t, 0, a.Run(context.Background(), []string{"mint", "-n", "3", "-len", "16"}))
	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 3)
	for _, l := range lines {
		tok, pub, ok := strings.Cut(l, "  public-id=")
		require.True(t, ok)
		assert.Len(t, tok, 16)
		assert.Equal(t, tok[:8], pub)
	}

	a, _, _ = newTestApp(t, "")
	assert.Equal(t, 1, a.Run(context.Background(), []string{"mint", "-len", "3"}))
}

func TestAdminToken(t *testing.T) {
	a, out, _ := newTestApp(t, "")
	a.config = func() *config.Config {
		c := &config.Config{}
		c.LoadDefaults()
		c.SecretKey = "ctl-secret"
		c.AdminTokenValidity = time.Hour
		return c
	}
	require.Equal(t, 0, a.Run(context.Background(), []string{"admin-token"}))
	sub, err := auth.GetSubjectFromToken(strings.TrimSpace(out.String()), []byte("ctl-secret"))
	require.NoError(t, err)
	assert.Equal(t, "filedropctl", sub)
}

func TestRun_Usage(t *testing.T) {
	a, _, errOut := newTestApp(t, "")
	assert.Equal(t, 2, a.Run(context.Background(), nil))
	assert.Contains(t, errOut.String(), "usage: filedropctl")
	assert.Equal(t, 2, a.Run(context.Background(), []string{"frobnicate"}))
	assert.Equal(t, 1, a.Run(context.Background(), []string{"seal", "only-one"}))
}
