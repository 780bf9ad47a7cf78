package txbuild

import (
	"bytes"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

const erc20TransferABI = `[{"inputs":[{"internalType":"address","name":"recipient","type":"address"},{"internalType":"uint256","name":"amount","type":"uint256"}],"name":"transfer","outputs":[{"internalType":"bool","name":"","type":"bool"}],"stateMutability":"nonpayable","type":"function"},{"inputs":[{"internalType":"address","name":"account","type":"address"}],"name":"balanceOf","outputs":[{"internalType":"uint256","name":"","type":"uint256"}],"stateMutability":"view","type":"function"}]`

var erc20ABI abi.ABI

// ErrNotTransfer is returned for calldata that is not transfer(address,uint256).
var ErrNotTransfer = errors.New("calldata is not an erc20 transfer")

func init() {
	ab, err := abi.JSON(strings.NewReader(erc20TransferABI))
	if err != nil {
		panic("erc20 abi: " + err.Error())
	}
	erc20ABI = ab
}

// PackTransfer ABI-encodes transfer(address,uint256).
func PackTransfer(to common.Address, amount *big.Int) ([]byte, error) {
	if amount == nil || amount.Sign() < 0 {
		return nil, fmt.Errorf("erc20 transfer: invalid amount")
	}
	data, err := erc20ABI.Pack("transfer", to, amount)
	if err != nil {
		return nil, fmt.Errorf("erc20 pack: %w", err)
	}
	return data, nil
}

// UnpackTransfer decodes transfer(address,uint256) calldata. Calldata that
// does not re-encode to exactly data, such as dirty address padding, is
// rejected.
func UnpackTransfer(data []byte) (common.Address, *big.Int, error) {
	m := erc20ABI.Methods["transfer"]
	if len(data) != 4+2*32 || !bytes.Equal(data[:4], m.ID) {
		return common.Address{}, nil, ErrNotTransfer
	}
	args, err := m.Inputs.Unpack(data[4:])
	if err != nil {
		return common.Address{}, nil, fmt.Errorf("%w: %w", ErrNotTransfer, err)
	}
	to, ok1 := args[0].(common.Address)
	amount, ok2 := args[1].(*big.Int)
	if !ok1 || !ok2 || !bytes.Equal(EncodeERC20Transfer(to, amount), data) {
		return common.Address{}, nil, ErrNotTransfer
	}
	return to, amount, nil
}

// PackBalanceOf ABI-encodes balanceOf(address).
func PackBalanceOf(owner common.Address) []byte {
	data, _ := erc20ABI.Pack("balanceOf", owner)
	return data
}

// UnpackBalance decodes the uint256 returned by balanceOf.
func UnpackBalance(ret []byte) (*big.Int, error) {
	if len(ret) == 0 {
		return new(big.Int), nil
	}
	out, err := erc20ABI.Unpack("balanceOf", ret)
	if err != nil {
		return nil, fmt.Errorf("erc20 unpack balanceOf: %w", err)
	}
	v, ok := out[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("erc20 unpack balanceOf: unexpected type %T", out[0])
	}
	return v, nil
}

// EncodeERC20Transfer encodes transfer calldata by hand (selector + two words).
func EncodeERC20Transfer(to common.Address, amount *big.Int) []byte {
	selector := common.FromHex("0xa9059cbb")
	arg1 := common.LeftPadBytes(to.Bytes(), 32)
	arg2 := common.LeftPadBytes(amount.Bytes(), 32)
	return append(selector, append(arg1, arg2...)...)
}
