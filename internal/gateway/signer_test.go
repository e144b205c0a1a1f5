package gateway

import (
	"testing"
)

func TestSigner_Sign(t *testing.T) {
	// Reference vector from the Binance API documentation.
	s := NewSigner(
		"vmPUZE6mv9SD5VNHk4HlWFsOr6aKE2zvsw0MuIgwCIPy6utIco14y7Ju91duEh8A",
		"NhqPtmdSJYdKjVHjA7PZj4Mge3R5YNiP1e3UZjInClVN65XAbvqqM6A7H5fATj0j",
	)

	query := "symbol=LTCBTC&side=BUY&type=LIMIT&timeInForce=GTC&quantity=1&price=0.1&recvWindow=5000&timestamp=1499827319559"
	want := "c8db56825ae71d6d79447849e617115f4a920fa2acdcab2b053c4b2838bd6b71"

	if got := s.Sign(query); got != want {
		t.Errorf("Sign() = %s, want %s", got, want)
	}
}

func TestSigner_Wipe(t *testing.T) {
	s := NewSigner("key", "secret")
	s.Wipe()

	for _, b := range s.secretKey {
		if b != 0 {
			t.Fatal("secret not wiped")
		}
	}
	for _, b := range s.apiKey {
		if b != 0 {
			t.Fatal("api key not wiped")
		}
	}

	// Wipe on nil must not panic.
	var nilSigner *Signer
	nilSigner.Wipe()
}
