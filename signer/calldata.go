package signer

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/common/math"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"github.com/weisyn/wallet-extension-go/types"
)

// CalldataEncoder 将调用列表编码为账户 __execute__ 的 calldata
type CalldataEncoder interface {
	Encode(calls []Call) ([]*big.Int, error)
}

// FlatCalldataEncoder call-array 布局：
//
//	[len(calls), {to, selector, dataOffset, dataLen}..., len(calldata), calldata...]
type FlatCalldataEncoder struct{}

var _ CalldataEncoder = FlatCalldataEncoder{}

// Encode 编码调用列表
func (FlatCalldataEncoder) Encode(calls []Call) ([]*big.Int, error) {
	out := []*big.Int{big.NewInt(int64(len(calls)))}
	var data []*big.Int
	for i, call := range calls {
		to, err := ParseFelt(call.ContractAddress)
		if err != nil {
			return nil, fmt.Errorf("call %d contract address: %w", i, err)
		}
		args := make([]*big.Int, 0, len(call.Calldata))
		for j, item := range call.Calldata {
			v, err := ParseFelt(item)
			if err != nil {
				return nil, fmt.Errorf("call %d calldata[%d]: %w", i, j, err)
			}
			args = append(args, v)
		}
		out = append(out,
			to,
			Selector(call.Entrypoint),
			big.NewInt(int64(len(data))),
			big.NewInt(int64(len(args))),
		)
		data = append(data, args...)
	}
	out = append(out, big.NewInt(int64(len(data))))
	return append(out, data...), nil
}

var selectorMask = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 250), big.NewInt(1))

// Selector 入口函数选择器：keccak256(name) 截断到 250 位
func Selector(entrypoint string) *big.Int {
	sum := new(big.Int).SetBytes(ethcrypto.Keccak256([]byte(entrypoint)))
	return sum.And(sum, selectorMask)
}

// ParseFelt 解析十进制或 0x 十六进制的 felt
func ParseFelt(s string) (*big.Int, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, types.Errorf(types.ErrValidation, "empty felt")
	}
	v, ok := math.ParseBig256(strings.ToLower(s))
	if !ok || v.Sign() < 0 {
		return nil, types.Errorf(types.ErrValidation, "invalid felt %q", s)
	}
	return v, nil
}

// ToHex felt 的 0x 十六进制表示（无前导零）
func ToHex(v *big.Int) string {
	if v == nil {
		return "0x0"
	}
	return hexutil.EncodeBig(v)
}

// ToDecimal felt 的十进制表示
func ToDecimal(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}
