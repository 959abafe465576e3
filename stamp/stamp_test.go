package stamp

import (
	"strings"
	"testing"
	"time"

	"github.com/signdesk/localagent/pdf/generic"
)

var a4 = generic.Rect{URX: 595.32, URY: 841.92}

func TestApplyDefaults(t *testing.T) {
	now := time.Date(2026, 8, 26, 10, 0, 0, 0, time.UTC)
	var o Options
	o.ApplyDefaults(now)
	if o.Watermark == "" || o.Title == "" || o.SignatureType == "" || o.Authentication == "" {
		t.Errorf("defaults not filled: %+v", o)
	}
	if !o.SignedAt.Equal(now) {
		t.Errorf("SignedAt = %v", o.SignedAt)
	}
	if o.NeedsProtocolPage() {
		t.Error("defaults alone must not trigger a protocol page")
	}

	preset := Options{Watermark: "custom", SignedAt: now.Add(time.Hour)}
	preset.ApplyDefaults(now)
	if preset.Watermark != "custom" {
		t.Errorf("default overwrote caller value: %q", preset.Watermark)
	}
	if !preset.SignedAt.Equal(now.Add(time.Hour)) {
		t.Errorf("default overwrote SignedAt: %v", preset.SignedAt)
	}
}

func TestNeedsProtocolPage(t *testing.T) {
	tests := []struct {
		name string
		o    Options
		want bool
	}{
		{"empty", Options{}, false},
		{"protocol only", Options{Protocol: "TEST-0001"}, true},
		{"actions only", Options{Actions: []string{"Recebido"}}, true},
		{"footer only", Options{FooterNote: "verifique em ..."}, true},
		{"signer fields alone", Options{SignerName: "Ana", Reason: "aprovação"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.o.NeedsProtocolPage(); got != tt.want {
				t.Errorf("got %t, want %t", got, tt.want)
			}
		})
	}
}

func TestWatermarkStream(t *testing.T) {
	content := string(Watermark("Documento assinado digitalmente", a4))
	for _, want := range []string{"q\n", "0.5 g", "BT", "(Documento assinado digitalmente) Tj", "ET", "Q"} {
		if !strings.Contains(content, want) {
			t.Errorf("watermark stream missing %q:\n%s", want, content)
		}
	}
}

func TestProtocolPageContent(t *testing.T) {
	o := Options{
		Title:      "Protocolo de Assinatura Digital",
		Protocol:   "TEST-0001",
		SignerName: "Maria Souza",
		Actions:    []string{"Recebido", "Assinado"},
		FooterNote: "nota de rodapé",
		SignedAt:   time.Date(2026, 3, 14, 9, 30, 5, 0, time.UTC),
	}
	content := string(o.ProtocolPage(a4))
	for _, want := range []string{
		"(Protocolo: TEST-0001) Tj",
		"(Assinante: Maria Souza) Tj",
		"(Data: 14/03/2026 09:30:05) Tj",
		"(\\225 Recebido) Tj",
		"(\\225 Assinado) Tj",
	} {
		if !strings.Contains(content, want) {
			t.Errorf("protocol page missing %q:\n%s", want, content)
		}
	}
	// Empty fields are omitted entirely.
	if strings.Contains(content, "Motivo") || strings.Contains(content, "Local:") {
		t.Error("empty fields must not render labels")
	}
}

func TestProtocolPageEncoding(t *testing.T) {
	o := Options{Protocol: "P", SignerName: "João"}
	content := string(o.ProtocolPage(a4))
	// ã is WinAnsi 0xE3, written as an octal escape.
	if !strings.Contains(content, `Jo\343o`) {
		t.Errorf("accented text not WinAnsi encoded:\n%s", content)
	}
}

func TestWrapOnCommas(t *testing.T) {
	tests := []struct {
		name  string
		input string
		limit int
		want  []string
	}{
		{"short stays whole", "CN=Test, O=Org", 90, []string{"CN=Test, O=Org"}},
		{
			"wraps at last comma before limit",
			"aaaa, bbbb, cccc",
			12,
			[]string{"aaaa, bbbb,", "cccc"},
		},
		{
			"no comma inside limit wraps at next one",
			"aaaaaaaaaaaaaaa, b",
			5,
			[]string{"aaaaaaaaaaaaaaa,", "b"},
		},
		{"no commas at all", "aaaaaaaaaa", 5, []string{"aaaaaaaaaa"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := wrapOnCommas(tt.input, tt.limit)
			if len(got) != len(tt.want) {
				t.Fatalf("got %q, want %q", got, tt.want)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Errorf("part %d = %q, want %q", i, got[i], tt.want[i])
				}
			}
		})
	}
}

func TestFontResources(t *testing.T) {
	res := FontResources()
	fonts := res.GetDict("Font")
	if fonts == nil {
		t.Fatal("no /Font entry")
	}
	f1 := fonts.GetDict("F1")
	if f1 == nil || f1.GetName("BaseFont") != "Helvetica" {
		t.Errorf("unexpected F1: %v", f1)
	}
}
