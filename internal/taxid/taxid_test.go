package taxid

import "testing"

func TestClean(t *testing.T) {
	cases := map[string]string{
		"111.444.777-35": "11144477735",
		" 11144477735 ":  "11144477735",
		"111-444":        "111444",
		"abc":            "",
	}
	for in, want := range cases {
		if got := Clean(in); got != want {
			t.Errorf("Clean(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestIsDegenerate(t *testing.T) {
	for _, cpf := range []string{
		"00000000000",
		"11111111111",
		"99999999999",
		"01234567890",
	} {
		if !IsDegenerate(cpf) {
			t.Errorf("IsDegenerate(%q) = false, want true", cpf)
		}
	}

	for _, cpf := range []string{
		"11144477735",
		"52998224725",
		"1111111111", // short
	} {
		if IsDegenerate(cpf) {
			t.Errorf("IsDegenerate(%q) = true, want false", cpf)
		}
	}
}

func TestCheckDigits(t *testing.T) {
	valid := []string{
		"11144477735",
		"52998224725",
		"12345678909",
	}
	for _, cpf := range valid {
		if !CheckDigits(cpf) {
			t.Errorf("CheckDigits(%q) = false, want true", cpf)
		}
	}

	invalid := []string{
		"11144477734", // second digit off by one
		"11144477745", // first digit off by one
		"52998224726",
		"5299822472",   // short
		"529982247250", // long
		"12345678908",
	}
	for _, cpf := range invalid {
		if CheckDigits(cpf) {
			t.Errorf("CheckDigits(%q) = true, want false", cpf)
		}
	}
}
