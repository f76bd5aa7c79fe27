package intel

// Seed returns the built-in address table used when the warehouse is not
// configured. It covers the major Ethereum venues so classification works
// out of the box; the warehouse snapshot supersedes it when available.
func Seed() []Record {
	mk := func(addr, entity string, cat Category, tags ...string) Record {
		return Record{
			Address:    addr,
			Blockchain: "ethereum",
			Category:   cat,
			EntityName: entity,
			Confidence: 0.95,
			Tags:       tags,
		}
	}

	return []Record{
		// Exchange hot wallets.
		mk("0x3f5ce5fbfe3e9af3971dd833d26ba9b5c936f0be", "Binance", CategoryCEX, "exchange", "high_activity"),
		mk("0xd551234ae421e3bcba99a0da6d736074f22192ff", "Binance", CategoryCEX, "exchange"),
		mk("0x28c6c06298d514db089934071355e5743bf21d60", "Binance", CategoryCEX, "exchange", "high_activity"),
		mk("0xa9d1e08c7793af67e9d92fe308d5697fb81d3e43", "Coinbase", CategoryCEX, "exchange"),
		mk("0x71660c4005ba85c37ccec55d0c4493e66fe775d3", "Coinbase", CategoryCEX, "exchange"),
		mk("0x2910543af39aba0cd09dbb2d50200b3e800a63d2", "Kraken", CategoryCEX, "exchange"),
		mk("0x6cc5f688a315f3dc28a7781717a9a798a59fda7b", "OKX", CategoryCEX, "exchange"),
		mk("0xdc76cd25977e0a5ae17155770273ad58648900d3", "Huobi", CategoryCEX, "exchange"),
		mk("0xf89d7b9c864f589bbf53a82105107622b35eaa40", "Bybit", CategoryCEX, "exchange"),
		mk("0x1522900b6dafac587d499a862861c0869be6e428", "KuCoin", CategoryCEX, "exchange"),

		// DEX routers and settlement contracts.
		mk("0x7a250d5630b4cf539739df2c5dacb4c659f2488d", "Uniswap V2 Router", CategoryDEXRouter, "dex"),
		mk("0x68b3465833fb72a70ecdf485e0e4c7bd8665fc45", "Uniswap V3 Router", CategoryDEXRouter, "dex"),
		mk("0xe592427a0aece92de3edee1f18e0157c05861564", "Uniswap V3 Router 2", CategoryDEXRouter, "dex"),
		mk("0x3fc91a3afd70395cd496c647d5a6cc9d4b2b7fad", "Uniswap Universal Router", CategoryDEXRouter, "dex"),
		mk("0xd9e1ce17f2641f24ae83637ab66a2cca9c378b9f", "SushiSwap Router", CategoryDEXRouter, "dex"),
		mk("0x1111111254fb6c44bac0bed2854e76f90643097d", "1inch Router V4", CategoryDEXRouter, "dex"),
		mk("0xdef1c0ded9bec7f1a1670819833240f027b25eff", "0x Protocol Exchange", CategoryDEXRouter, "dex"),
		mk("0xba12222222228d8ba445958a75a0704d566bf2c8", "Balancer V2 Vault", CategoryDEXRouter, "dex"),
		mk("0x9008d19f58aabd9ed0d60971565aa8510560ab41", "CoW Protocol Settlement", CategoryDEXRouter, "dex"),

		// Lending and staking.
		mk("0x7d2768de32b0b80b7a3454c06bdac94a69ddc7a9", "Aave Lending Pool", CategoryLendingPool, "lending"),
		mk("0x87870bca3f3fd6335c3f4ce8392d69350b4fa4e2", "Aave Pool V3", CategoryLendingPool, "lending"),
		mk("0x3d9819210a31b4961b30ef54be2aed79b9c9cd3b", "Compound cDAI", CategoryLendingPool, "lending"),
		mk("0x39aa39c021dfbae8fac545936693ac917d5e7563", "Compound cUSDC", CategoryLendingPool, "lending"),
		mk("0xae7ab96520de3a18e5e111b5eaab95820216e558", "Lido stETH", CategoryStakingContract, "staking"),

		// Bridges.
		mk("0x40ec5b33f54e0e8a33a975908c5ba1c14e5bbbdf", "Polygon Bridge", CategoryBridge, "bridge"),
		mk("0x8315177ab297ba92a06054ce80a67ed4dbd7ed3a", "Arbitrum Bridge", CategoryBridge, "bridge"),
		mk("0x99c9fc46f92e8a1c0dec1b1747d010903e884be1", "Optimism Gateway", CategoryBridge, "bridge"),
		mk("0x6b7a87899490ece95443e979ca9485cbe7e71522", "Multichain Router", CategoryBridge, "bridge"),
	}
}
