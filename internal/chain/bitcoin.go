package chain

import "github.com/btcsuite/btcd/chaincfg"

func init() {
	Register(&Params{
		Network:    Mainnet,
		Name:       "Bitcoin",
		CoinType:   0,
		MempoolURL: "https://mempool.space/api",
		EsploraURL: "https://blockstream.info/api",
		Chain:      &chaincfg.MainNetParams,
	})

	Register(&Params{
		Network:    Testnet,
		Name:       "Bitcoin Testnet",
		CoinType:   1,
		MempoolURL: "https://mempool.space/testnet/api",
		EsploraURL: "https://blockstream.info/testnet/api",
		Chain:      &chaincfg.TestNet3Params,
	})

	// Local esplora (electrs) instance, e.g. from a nigiri or polar setup.
	Register(&Params{
		Network:    Regtest,
		Name:       "Bitcoin Regtest",
		CoinType:   1,
		MempoolURL: "http://127.0.0.1:3000",
		EsploraURL: "http://127.0.0.1:3000",
		Chain:      &chaincfg.RegressionNetParams,
	})
}
