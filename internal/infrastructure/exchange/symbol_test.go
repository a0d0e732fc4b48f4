package exchange

import "testing"

func TestNormalize(t *testing.T) {
	cases := []struct {
		raw  string
		want string
		ok   bool
	}{
		{"BTCUSDT", "BTC", true},
		{"btcusdt", "BTC", true},
		{"ETHBUSD", "ETH", true},
		{"SOLUSDC", "SOL", true},
		{"ADATUSD", "ADA", true},

		// multiplier prefixes
		{"1000SHIBUSDT", "SHIB", true},
		{"1000PEPEUSDT", "PEPE", true},
		{"10000SATSUSDT", "SATS", true},
		{"100QUSDT", "Q", true},

		// multiplier suffixes (Bybit style)
		{"PEPE1000USDT", "PEPE", true},
		{"MOG1000000USDT", "MOG", true},

		// leveraged products
		{"BTCUPUSDT", "BTC", true},
		{"ETHDOWNUSDT", "ETH", true},
		{"XRPBULLUSDT", "XRP", true},
		{"EOSBEARUSDT", "EOS", true},
		{"ADADOWN15XUSDT", "ADA", true},
		{"XRP3XUSDT", "XRP", true},

		// bases that merely end in a leverage word
		{"SYRUPUSDT", "SYRUP", true},
		{"JUPUSDT", "JUP", true},

		// aliases
		{"WBTUSDT", "WBTC", true},

		// rejected: no recognized quote
		{"BTCEUR", "", false},
		{"BTC", "", false},
		{"", "", false},

		// rejected: deny-listed bases
		{"USDCUSDT", "", false},
		{"FDUSDUSDT", "", false},
		{"DAIUSDT", "", false},
		{"STETHUSDT", "", false},

		// rejected: reduces to nothing
		{"USDTUSDT", "", false},
		{"1000USDT", "", false},
	}

	for _, tc := range cases {
		got, ok := Normalize(tc.raw)
		if got != tc.want || ok != tc.ok {
			t.Errorf("Normalize(%q) = (%q, %v), want (%q, %v)", tc.raw, got, ok, tc.want, tc.ok)
		}
	}
}

func TestNormalizeDeterministic(t *testing.T) {
	for i := 0; i < 3; i++ {
		if got, ok := Normalize("1000PEPEUSDT"); got != "PEPE" || !ok {
			t.Fatalf("run %d: got (%q, %v)", i, got, ok)
		}
	}
}

func TestCanonicalAsset(t *testing.T) {
	if CanonicalAsset("WBTC") != "BTC" || CanonicalAsset("WETH") != "ETH" {
		t.Error("wrapped assets must fold to the underlying")
	}
	if CanonicalAsset("SOL") != "SOL" {
		t.Error("unwrapped assets pass through")
	}
}
