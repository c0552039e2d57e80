package ipc

import (
	"context"
	"encoding/base64"
	"net"
	"path/filepath"
	"testing"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/stretchr/testify/require"

	"github.com/Maphikza/btc-payment-hub.git/internal/hub"
	"github.com/Maphikza/btc-payment-hub.git/internal/ledger"
	"github.com/Maphikza/btc-payment-hub.git/lib/transaction"
)

type fakeBackend struct {
	hostBodies []string
	auditErr   error
}

func (f *fakeBackend) HandleEnvelope(session string, envelope []byte) ([]byte, error) {
	return append([]byte(session+":"), envelope...), nil
}

func (f *fakeBackend) HostCommand(body string) (string, error) {
	f.hostBodies = append(f.hostBodies, body)
	if body == "set_fee x" {
		return ledger.Status(ledger.CodeInvalidParameters), ledger.ErrInvalidParameters
	}
	return ledger.Status(ledger.CodeSuccess), nil
}

func (f *fakeBackend) Report() ledger.Report {
	return ledger.Report{StateID: 7, BlockNumber: 812}
}

func (f *fakeBackend) Audit() error { return f.auditErr }

func (f *fakeBackend) BuildSettlement(context.Context) (*hub.Settlement, error) {
	return &hub.Settlement{
		Signed:   &transaction.Signed{Hash: chainhash.HashH([]byte("batch")), Raw: []byte{0xab}},
		Requests: 2,
		Inputs:   3,
		TxFee:    600,
	}, nil
}

func (f *fakeBackend) OwnerAddress() string { return "owner" }

func TestDispatch(t *testing.T) {
	backend := &fakeBackend{auditErr: ledger.ErrConservation}
	ctx := context.Background()

	tests := []struct {
		name    string
		cmd     Command
		want    interface{}
		wantErr bool
	}{
		{name: "envelope", cmd: Command{Command: CmdEnvelope, Args: []string{"alice", base64.StdEncoding.EncodeToString([]byte("xyz"))}},
			want: base64.StdEncoding.EncodeToString([]byte("alice:xyz"))},
		{name: "envelope bad base64", cmd: Command{Command: CmdEnvelope, Args: []string{"alice", "!!"}}, wantErr: true},
		{name: "envelope missing args", cmd: Command{Command: CmdEnvelope}, wantErr: true},
		{name: "host", cmd: Command{Command: CmdHost, Args: []string{"set_fee", "5"}}, want: HostResult{Status: "success"}},
		{name: "host rejected", cmd: Command{Command: CmdHost, Args: []string{"set_fee", "x"}},
			want: HostResult{Status: ledger.Status(ledger.CodeInvalidParameters)}, wantErr: true},
		{name: "audit failure", cmd: Command{Command: CmdAudit}, wantErr: true},
		{name: "owner address", cmd: Command{Command: CmdOwnerAddress}, want: "owner"},
		{name: "unknown", cmd: Command{Command: "reboot"}, wantErr: true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			resp := Dispatch(ctx, backend, tc.cmd)
			if tc.wantErr {
				require.NotEmpty(t, resp.Error)
			} else {
				require.Empty(t, resp.Error)
			}
			if tc.want != nil {
				require.Equal(t, tc.want, resp.Result)
			}
		})
	}
	require.Equal(t, []string{"set_fee 5", "set_fee x"}, backend.hostBodies)
}

func TestServerRoundTrip(t *testing.T) {
	if osType == "windows" {
		t.Skip("unix sockets only")
	}
	path := filepath.Join(t.TempDir(), "hub.sock")
	server, err := NewServer(path)
	require.NoError(t, err)
	defer server.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go Serve(ctx, server, &fakeBackend{})

	call := func(command string, args []string, out interface{}) error {
		client, err := NewClient(path)
		require.NoError(t, err)
		defer client.Close()
		return client.SendCommand(command, args, out)
	}

	var report ledger.Report
	require.NoError(t, call(CmdState, nil, &report))
	require.Equal(t, uint64(7), report.StateID)
	require.Equal(t, uint64(812), report.BlockNumber)

	var settlement SettlementResult
	require.NoError(t, call(CmdBuildSettlement, nil, &settlement))
	require.Equal(t, "ab", settlement.Raw)
	require.Equal(t, uint64(600), settlement.TxFee)

	var host HostResult
	err = call(CmdHost, []string{"set_fee", "x"}, &host)
	require.Error(t, err)
	require.Equal(t, ledger.Status(ledger.CodeInvalidParameters), host.Status)

	require.EqualError(t, call("reboot", nil, nil), "unknown command: reboot")
}

func TestTCPFallbackListensOnLoopback(t *testing.T) {
	host, _, err := net.SplitHostPort(windowsSocketAddr)
	require.NoError(t, err)
	require.True(t, net.ParseIP(host).IsLoopback(), windowsSocketAddr)

	prevOS, prevAddr := osType, windowsSocketAddr
	t.Cleanup(func() { osType, windowsSocketAddr = prevOS, prevAddr })
	osType = "windows"
	windowsSocketAddr = net.JoinHostPort(host, "0")

	server, err := NewServer("")
	require.NoError(t, err)
	defer server.Close()
	addr, ok := server.listener.Addr().(*net.TCPAddr)
	require.True(t, ok)
	require.True(t, addr.IP.IsLoopback(), addr.String())
}
