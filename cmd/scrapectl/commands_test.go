package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const productPage = `<html><head><title>Linen Shirt | Shop</title>
<script type="application/ld+json">
{"@context":"https://schema.org","@type":"Product","name":"Linen Shirt",
 "offers":{"@type":"Offer","price":"49.90","priceCurrency":"EUR"}}
</script></head><body><h1>Linen Shirt</h1></body></html>`

func execute(t *testing.T, args ...string) (output, error) {
	t.Helper()
	t.Setenv("RULES_FILE", "")
	t.Setenv("DB_ENABLED", "false")
	t.Setenv("CACHE_BACKEND", "memory")

	var stdout, stderr bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	cmd.SetArgs(args)

	if err := cmd.Execute(); err != nil {
		return output{}, err
	}

	var out output
	require.NoError(t, json.Unmarshal(stdout.Bytes(), &out), stdout.String())
	return out, nil
}

func writePage(t *testing.T, html string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "page.html")
	require.NoError(t, os.WriteFile(path, []byte(html), 0o644))
	return path
}

func TestReadHTML_DecodesLatin1(t *testing.T) {
	// "Grüne Jacke" in ISO-8859-1.
	page := []byte("<html><head><meta charset=\"iso-8859-1\"><title>Gr\xfcne Jacke</title></head><body></body></html>")
	path := filepath.Join(t.TempDir(), "latin1.html")
	require.NoError(t, os.WriteFile(path, page, 0o644))

	html, err := readHTML(path)
	require.NoError(t, err)
	assert.Contains(t, html, "Grüne Jacke")
}

func TestReadHTML_KeepsUTF8(t *testing.T) {
	html, err := readHTML(writePage(t, productPage))
	require.NoError(t, err)
	assert.Equal(t, productPage, html)
}

func TestClassifyCommand_URLOnly(t *testing.T) {
	out, err := execute(t, "classify", "https://www.bol.com/nl/nl/p/some-product/9300000012345678/")
	require.NoError(t, err)

	assert.Equal(t, "bol", out.Platform)
	assert.Greater(t, out.Confidence, 0.0)
	assert.NotEmpty(t, out.Indicators)
}

func TestClassifyCommand_UnknownHostIsGeneric(t *testing.T) {
	page := writePage(t, productPage)

	out, err := execute(t, "classify", "https://shop.example/products/linen-shirt", "--html", page)
	require.NoError(t, err)

	assert.Equal(t, "generic", out.Platform)
	assert.NotNil(t, out.Indicators)
}

func TestExtractCommand_Classifies(t *testing.T) {
	page := writePage(t, productPage)

	out, err := execute(t, "extract", page, "--url", "https://shop.example/products/linen-shirt")
	require.NoError(t, err)

	assert.Equal(t, "generic", out.Platform)
	require.NotNil(t, out.Product)
	assert.Equal(t, "Linen Shirt", out.Product.Title)
	require.NotNil(t, out.Product.Price)
	assert.InDelta(t, 49.9, out.Product.Price.Amount, 0.001)
	assert.Equal(t, "EUR", out.Product.Price.Currency)
}

func TestExtractCommand_ForcedPlatform(t *testing.T) {
	page := writePage(t, productPage)

	out, err := execute(t, "extract", page, "--url", "https://shop.example/p/1", "--platform", "generic")
	require.NoError(t, err)

	assert.Equal(t, "generic", out.Platform)
	assert.Equal(t, 1.0, out.Confidence)
	assert.Equal(t, []string{"forced:generic"}, out.Indicators)
	require.NotNil(t, out.Product)
	assert.Equal(t, "Linen Shirt", out.Product.Title)
}

func TestExtractCommand_Errors(t *testing.T) {
	page := writePage(t, productPage)

	_, err := execute(t, "extract", page, "--url", "https://shop.example/p/1", "--platform", "nosuchshop")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown platform")

	_, err = execute(t, "extract", page)
	require.Error(t, err)

	_, err = execute(t, "extract", filepath.Join(t.TempDir(), "missing.html"), "--url", "https://shop.example/p/1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to read html")
}
