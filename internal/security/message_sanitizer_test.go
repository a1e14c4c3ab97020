package security

import "testing"

// TestClean はマークアップが除去されプレーンテキストになることを検証する。
func TestClean(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{
			name:  "空文字列はそのまま",
			input: "",
			want:  "",
		},
		{
			name:  "fontとbrが除去される",
			input: `<font color="red">Request denied</font><br>already on hold`,
			want:  "Request denied already on hold",
		},
		{
			name:  "scriptは中身ごと除去される",
			input: `Hold placed<script>alert(1)</script>`,
			want:  "Hold placed",
		},
		{
			name:  "実体参照が戻される",
			input: "Smith &amp; Jones",
			want:  "Smith & Jones",
		},
		{
			name:  "連続する空白がまとめられる",
			input: "  your   hold\n\thas been  cancelled ",
			want:  "your hold has been cancelled",
		},
	}

	s := NewMessageSanitizer()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := s.Clean(tt.input); got != tt.want {
				t.Errorf("Clean(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}

// TestClean_Idempotent は同じ入力を2回通しても結果が変わらないことを検証する。
func TestClean_Idempotent(t *testing.T) {
	input := `<b>Your record is blocked</b> &amp; contact us`
	once := CleanMessage(input)
	twice := CleanMessage(once)
	if once != twice {
		t.Errorf("not idempotent: %q vs %q", once, twice)
	}
}
