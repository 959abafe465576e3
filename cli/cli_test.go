package cli

import (
	"bytes"
	"crypto/rand"
	"fmt"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/signdesk/localagent/config"
	"github.com/signdesk/localagent/errdefs"
	"github.com/signdesk/localagent/pdf/reader"
	"github.com/signdesk/localagent/prefs"
	"github.com/signdesk/localagent/sign/cms"
	"github.com/signdesk/localagent/store"
)

func writeCredential(t *testing.T, dir, name, cn string) {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatal(err)
	}
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(time.Now().UnixNano()),
		Subject:      pkix.Name{CommonName: cn},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(24 * time.Hour),
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		t.Fatal(err)
	}
	certPem := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	keyDer, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		t.Fatal(err)
	}
	keyPem := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: keyDer})
	if err := os.WriteFile(filepath.Join(dir, name+".crt"), certPem, 0600); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, name+".key"), keyPem, 0600); err != nil {
		t.Fatal(err)
	}
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	credDir := t.TempDir()
	writeCredential(t, credDir, "alice", "Alice Tester")
	cfg := config.Default()
	cfg.CredentialDir = credDir
	cfg.SystemStore = false
	cfg.PreferencePath = filepath.Join(t.TempDir(), "preferences.yaml")
	return cfg
}

func TestSignFileRaw(t *testing.T) {
	cfg := testConfig(t)
	workDir := t.TempDir()
	inputPath := filepath.Join(workDir, "payload.xml")
	outputPath := inputPath + ".p7s"
	payload := []byte("<doc>conteúdo</doc>")
	if err := os.WriteFile(inputPath, payload, 0600); err != nil {
		t.Fatal(err)
	}

	if err := signFile(cfg, inputPath, outputPath, &SignOptions{Index: -1, Detached: true, Raw: true}); err != nil {
		t.Fatalf("signFile: %v", err)
	}

	der, err := os.ReadFile(outputPath)
	if err != nil {
		t.Fatal(err)
	}
	sd, err := cms.Parse(der)
	if err != nil {
		t.Fatalf("parsing container: %v", err)
	}
	if err := sd.Verify(payload); err != nil {
		t.Errorf("verify: %v", err)
	}
}

func TestSignFileSealsPdf(t *testing.T) {
	cfg := testConfig(t)
	workDir := t.TempDir()
	inputPath := filepath.Join(workDir, "doc.pdf")
	outputPath := filepath.Join(workDir, "signed.pdf")
	if err := os.WriteFile(inputPath, minimalPdf(), 0600); err != nil {
		t.Fatal(err)
	}

	opts := &SignOptions{Index: -1, Protocol: "CLI-0001", Actions: "Recebido, Assinado", Companion: true}
	if err := signFile(cfg, inputPath, outputPath, opts); err != nil {
		t.Fatalf("signFile: %v", err)
	}

	signed, err := os.ReadFile(outputPath)
	if err != nil {
		t.Fatal(err)
	}
	doc, err := reader.Parse(signed)
	if err != nil {
		t.Fatalf("parsing signed pdf: %v", err)
	}
	if doc.PageCount() != 2 {
		t.Errorf("page count = %d", doc.PageCount())
	}
	sigs, err := doc.Signatures()
	if err != nil || len(sigs) != 1 {
		t.Fatalf("signatures = %v, %v", sigs, err)
	}
	if _, err := os.Stat(outputPath + ".p7s"); err != nil {
		t.Errorf("companion file: %v", err)
	}
}

func TestSignFileRemembersDefault(t *testing.T) {
	cfg := testConfig(t)
	workDir := t.TempDir()
	inputPath := filepath.Join(workDir, "payload.bin")
	if err := os.WriteFile(inputPath, []byte("x"), 0600); err != nil {
		t.Fatal(err)
	}
	opts := &SignOptions{Index: 0, Detached: true, Remember: true}
	if err := signFile(cfg, inputPath, filepath.Join(workDir, "out.p7s"), opts); err != nil {
		t.Fatalf("signFile: %v", err)
	}
	p := preferenceStore(cfg)
	if remembered, ok := p.Load(); !ok || remembered == "" {
		t.Error("default identity was not remembered")
	}
}

func TestSelectIdentity(t *testing.T) {
	credDir := t.TempDir()
	writeCredential(t, credDir, "a", "A")
	writeCredential(t, credDir, "b", "B")
	dir := &store.FileDirectory{Path: credDir}
	identities, err := dir.List(true)
	if err != nil {
		t.Fatal(err)
	}
	if len(identities) != 2 {
		t.Fatalf("identities = %d", len(identities))
	}
	p := &prefs.Store{Path: filepath.Join(t.TempDir(), "preferences.yaml")}

	if _, err := selectIdentity(identities, "", -1, p); !errdefs.IsCallerError(err) {
		t.Errorf("ambiguous selection: %v", err)
	}
	if got, err := selectIdentity(identities, identities[1].Thumbprint(), -1, p); err != nil || got != identities[1] {
		t.Errorf("by thumbprint: %v, %v", got, err)
	}
	if got, err := selectIdentity(identities, "", 0, p); err != nil || got != identities[0] {
		t.Errorf("by index: %v, %v", got, err)
	}
	if _, err := selectIdentity(identities, "", 7, p); err == nil {
		t.Error("out-of-range index accepted")
	}
	if err := p.Save(identities[1].Thumbprint()); err != nil {
		t.Fatal(err)
	}
	if got, err := selectIdentity(identities, "", -1, p); err != nil || got != identities[1] {
		t.Errorf("remembered default: %v, %v", got, err)
	}
	if _, err := selectIdentity(nil, "", -1, p); err == nil {
		t.Error("empty list accepted")
	}
}

func TestLoadConfigFlagOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("port: 60123\ncredential-dir: /from/file\n"), 0600); err != nil {
		t.Fatal(err)
	}
	sf := storeFlags{configPath: path, credentialDir: "/from/flag", systemStore: true}
	cfg, err := sf.loadConfig()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Port != 60123 || cfg.CredentialDir != "/from/flag" {
		t.Errorf("cfg = %+v", cfg)
	}
}

func TestBuildDirectoryEmpty(t *testing.T) {
	cfg := config.Default()
	cfg.SystemStore = false
	if _, _, err := buildDirectory(cfg); err == nil {
		t.Error("expected an error with no sources configured")
	}
}

func minimalPdf() []byte {
	var buf bytes.Buffer
	buf.WriteString("%PDF-1.7\n")
	offsets := make([]int, 5)
	obj := func(num int, body string) {
		offsets[num] = buf.Len()
		fmt.Fprintf(&buf, "%d 0 obj\n%s\nendobj\n", num, body)
	}
	content := "BT /F1 12 Tf 72 770 Td (Doc) Tj ET"
	obj(1, "<< /Type /Catalog /Pages 2 0 R >>")
	obj(2, "<< /Type /Pages /Kids [3 0 R] /Count 1 >>")
	obj(3, "<< /Type /Page /Parent 2 0 R /MediaBox [0 0 595.32 841.92] /Contents 4 0 R >>")
	obj(4, fmt.Sprintf("<< /Length %d >>\nstream\n%s\nendstream", len(content), content))
	xref := buf.Len()
	buf.WriteString("xref\n0 5\n0000000000 65535 f \n")
	for num := 1; num <= 4; num++ {
		fmt.Fprintf(&buf, "%010d 00000 n \n", offsets[num])
	}
	fmt.Fprintf(&buf, "trailer\n<< /Size 5 /Root 1 0 R >>\nstartxref\n%d\n%%%%EOF\n", xref)
	return buf.Bytes()
}
