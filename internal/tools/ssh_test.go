package tools

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"golang.org/x/crypto/ssh"

	"github.com/basket/overseer/internal/credentials"
)

type stubSource map[string][]byte

func (s stubSource) LookupCredential(_ context.Context, owner, connector string) ([]byte, error) {
	b, ok := s[owner+"/"+connector]
	if !ok {
		return nil, credentials.ErrNotConfigured
	}
	return b, nil
}

func (s stubSource) HasCredential(_ context.Context, owner, connector string) (bool, error) {
	_, ok := s[owner+"/"+connector]
	return ok, nil
}

type jsonOpener struct{}

func (jsonOpener) Open(b []byte) (credentials.Fields, error) {
	var f credentials.Fields
	err := json.Unmarshal(b, &f)
	return f, err
}

func ctxWithCreds(t *testing.T, fields map[string]string) context.Context {
	t.Helper()
	src := stubSource{}
	if fields != nil {
		b, _ := json.Marshal(fields)
		src["alice/ssh"] = b
	}
	res := credentials.NewResolver("alice", src, jsonOpener{}, nil)
	t.Cleanup(res.Close)
	return credentials.WithResolver(context.Background(), res)
}

func authorizedKey(t *testing.T) string {
	t.Helper()
	pub, _, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	sshPub, err := ssh.NewPublicKey(pub)
	if err != nil {
		t.Fatal(err)
	}
	return string(ssh.MarshalAuthorizedKey(sshPub))
}

func TestSSHTool_Schema(t *testing.T) {
	tool := &SSHTool{}
	reg := NewRegistry(tool)
	_, err := reg.Call(context.Background(), "ssh_exec", json.RawMessage(`{"host":"web"}`))
	if err == nil || !strings.Contains(err.Error(), "invalid arguments") {
		t.Fatalf("expected schema error, got %v", err)
	}
}

func TestSSHTool_UnknownHost(t *testing.T) {
	tool := &SSHTool{Hosts: map[string]SSHHost{"web": {Addr: "10.0.0.1"}}}
	_, err := tool.Call(ctxWithCreds(t, nil), json.RawMessage(`{"host":"db","command":"uptime"}`))
	if err == nil || !strings.Contains(err.Error(), "unknown host") {
		t.Fatalf("err = %v", err)
	}
}

func TestSSHTool_DeniedCommand(t *testing.T) {
	tool := &SSHTool{Hosts: map[string]SSHHost{"web": {Addr: "10.0.0.1", Insecure: true}}}
	_, err := tool.Call(ctxWithCreds(t, map[string]string{"username": "ops", "password": "pw"}),
		json.RawMessage(`{"host":"web","command":"sudo reboot"}`))
	if err == nil || !strings.Contains(err.Error(), "deny list") {
		t.Fatalf("err = %v", err)
	}
}

func TestSSHTool_MissingCredentials(t *testing.T) {
	tool := &SSHTool{Hosts: map[string]SSHHost{"web": {Addr: "10.0.0.1", Insecure: true}}}

	_, err := tool.Call(context.Background(), json.RawMessage(`{"host":"web","command":"uptime"}`))
	if !errors.Is(err, credentials.ErrNotConfigured) {
		t.Fatalf("no resolver: err = %v", err)
	}
	_, err = tool.Call(ctxWithCreds(t, nil), json.RawMessage(`{"host":"web","command":"uptime"}`))
	if !errors.Is(err, credentials.ErrNotConfigured) {
		t.Fatalf("no connector: err = %v", err)
	}
}

func TestSSHTool_ClientConfig(t *testing.T) {
	key := authorizedKey(t)
	tests := []struct {
		name    string
		host    SSHHost
		fields  map[string]string
		wantErr string
		user    string
	}{
		{name: "password with pinned key", host: SSHHost{Addr: "h", HostKey: key}, fields: map[string]string{"username": "ops", "password": "pw"}, user: "ops"},
		{name: "user from host", host: SSHHost{Addr: "h", User: "deploy", Insecure: true}, fields: map[string]string{"password": "pw"}, user: "deploy"},
		{name: "no username", host: SSHHost{Addr: "h", Insecure: true}, fields: map[string]string{"password": "pw"}, wantErr: "no username"},
		{name: "no auth", host: SSHHost{Addr: "h", Insecure: true}, fields: map[string]string{"username": "ops"}, wantErr: "neither"},
		{name: "bad key", host: SSHHost{Addr: "h", Insecure: true}, fields: map[string]string{"username": "ops", "private_key": "nope"}, wantErr: "could not be parsed"},
		{name: "unpinned host", host: SSHHost{Addr: "h"}, fields: map[string]string{"username": "ops", "password": "pw"}, wantErr: "no host_key"},
		{name: "garbage host key", host: SSHHost{Addr: "h", HostKey: "garbage"}, fields: map[string]string{"username": "ops", "password": "pw"}, wantErr: "parse host key"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tool := &SSHTool{}
			cfg, err := tool.clientConfig(ctxWithCreds(t, tt.fields), tt.host)
			if tt.wantErr != "" {
				if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
					t.Fatalf("err = %v, want %q", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatal(err)
			}
			if cfg.User != tt.user || len(cfg.Auth) != 1 || cfg.HostKeyCallback == nil {
				t.Fatalf("cfg = %+v", cfg)
			}
		})
	}
}

func TestSSHTool_DialErrorDoesNotLeakSecrets(t *testing.T) {
	tool := &SSHTool{
		Hosts: map[string]SSHHost{"web": {Addr: "10.0.0.1", Insecure: true}},
		dial: func(ctx context.Context, addr string, cfg *ssh.ClientConfig) (*ssh.Client, error) {
			return nil, errors.New("connection refused")
		},
	}
	reg := NewRegistry(tool)
	ctx := ctxWithCreds(t, map[string]string{"username": "ops", "password": "s3cr3t-value"})
	_, err := reg.Call(ctx, "ssh_exec", json.RawMessage(`{"host":"web","command":"uptime"}`))
	if err == nil || !strings.Contains(err.Error(), "connect web") {
		t.Fatalf("err = %v", err)
	}
	if strings.Contains(err.Error(), "s3cr3t") {
		t.Fatal("secret leaked into error")
	}
}

func TestSSHTool_DescriptionListsHosts(t *testing.T) {
	tool := &SSHTool{Hosts: map[string]SSHHost{"web": {}, "db": {}}}
	if d := tool.Description(); !strings.Contains(d, "[db web]") {
		t.Fatalf("description = %q", d)
	}
}
