package node

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/ethclient"
)

// ChainID dials the resolved endpoint with ethclient and returns eth_chainId.
func (f *Fetcher) ChainID(ctx context.Context) (*big.Int, error) {
	url, secret, err := f.Endpoint()
	if err != nil {
		return nil, err
	}
	cli, err := ethclient.DialContext(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("dial evm rpc: %w", scrub(err, secret))
	}
	defer cli.Close()

	id, err := cli.ChainID(ctx)
	if err != nil {
		return nil, fmt.Errorf("call eth_chainId: %w", scrub(err, secret))
	}
	return id, nil
}
