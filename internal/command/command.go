package command

import (
	"strconv"
	"strings"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"

	"github.com/Maphikza/btc-payment-hub.git/internal/ledger"
)

type Op string

const (
	OpPrepareDeposit Op = "prepare_deposit"
	OpSettle         Op = "settle"
	OpPay            Op = "pay"
	OpUpdateBlock    Op = "update_block"

	// owner only
	OpSetFee        Op = "set_fee"
	OpSetFeeAddress Op = "set_fee_address"
	OpSettleFee     Op = "settle_fee"
)

// grammar lists the argument kinds each operation takes, in order.
var grammar = map[Op][]argKind{
	OpPrepareDeposit: {address, address},
	OpSettle:         {address, number},
	OpPay:            {address, address, number, number},
	OpUpdateBlock:    {address, number},
	OpSetFee:         {number},
	OpSetFeeAddress:  {address},
	OpSettleFee:      {number},
}

type argKind int

const (
	address argKind = iota
	number
)

// Command is a parsed, type-checked hub command. Only the fields used by Op are set.
type Command struct {
	Op            Op
	Sender        string
	Receiver      string
	User          string
	SettleAddress string
	FeeAddress    string
	Amount        uint64
	Fee           uint64
	Height        uint64
}

// OwnerOnly reports whether the command may only arrive over the host session.
func (c Command) OwnerOnly() bool {
	switch c.Op {
	case OpSetFee, OpSetFeeAddress, OpSettleFee:
		return true
	}
	return false
}

// Unsigned reports whether the command carries a public key instead of a signature.
func (c Command) Unsigned() bool {
	return c.Op == OpPrepareDeposit
}

// Parse tokenizes body on whitespace and validates every argument against net.
// Unknown operations fail with ErrInvalidOperation and malformed arguments with
// ErrInvalidParameters.
func Parse(body string, net *chaincfg.Params) (Command, error) {
	fields := strings.Fields(body)
	if len(fields) == 0 {
		return Command{}, ledger.ErrInvalidOperation
	}
	op := Op(fields[0])
	kinds, ok := grammar[op]
	if !ok {
		return Command{}, ledger.ErrInvalidOperation
	}
	args := fields[1:]
	if len(args) != len(kinds) {
		return Command{}, ledger.ErrInvalidParameters
	}

	var addrs []string
	var nums []uint64
	for i, kind := range kinds {
		switch kind {
		case address:
			if !validAddress(args[i], net) {
				return Command{}, ledger.ErrInvalidParameters
			}
			addrs = append(addrs, args[i])
		case number:
			n, err := strconv.ParseUint(args[i], 10, 64)
			if err != nil {
				return Command{}, ledger.ErrInvalidParameters
			}
			nums = append(nums, n)
		}
	}

	c := Command{Op: op}
	switch op {
	case OpPrepareDeposit:
		c.Sender, c.SettleAddress = addrs[0], addrs[1]
	case OpSettle:
		c.User, c.Amount = addrs[0], nums[0]
	case OpPay:
		c.Sender, c.Receiver, c.Amount, c.Fee = addrs[0], addrs[1], nums[0], nums[1]
	case OpUpdateBlock:
		c.User, c.Height = addrs[0], nums[0]
	case OpSetFee, OpSettleFee:
		c.Amount = nums[0]
	case OpSetFeeAddress:
		c.FeeAddress = addrs[0]
	}
	return c, nil
}

func validAddress(s string, net *chaincfg.Params) bool {
	addr, err := btcutil.DecodeAddress(s, net)
	return err == nil && addr.IsForNet(net)
}

// String renders the command in wire grammar.
func (c Command) String() string {
	var args []string
	switch c.Op {
	case OpPrepareDeposit:
		args = []string{c.Sender, c.SettleAddress}
	case OpSettle:
		args = []string{c.User, fmtUint(c.Amount)}
	case OpPay:
		args = []string{c.Sender, c.Receiver, fmtUint(c.Amount), fmtUint(c.Fee)}
	case OpUpdateBlock:
		args = []string{c.User, fmtUint(c.Height)}
	case OpSetFee, OpSettleFee:
		args = []string{fmtUint(c.Amount)}
	case OpSetFeeAddress:
		args = []string{c.FeeAddress}
	}
	return strings.Join(append([]string{string(c.Op)}, args...), " ")
}

func fmtUint(v uint64) string {
	return strconv.FormatUint(v, 10)
}
