package dkimsignd

import "fmt"

// BuildKeyStore declares every configured key and postprocesses the result,
// turning a ServerConfig's ordered key-declaration list into a ready-to-query
// KeyStore.
func BuildKeyStore(cfg ServerConfig) (*KeyStore, error) {
	ks := NewKeyStore()
	for _, kd := range cfg.KeyDeclarations {
		opts := DeclarationOptions{
			Granularity: kd.Granularity,
			Hashes:      kd.Hashes,
			Services:    kd.Services,
			Flags:       kd.Flags,
			Notes:       kd.Notes,
		}
		if err := ks.Declare(kd.Domain, kd.Selector, kd.KeyFile, opts); err != nil {
			return nil, fmt.Errorf("dkimsignd: declaring key %s/%s: %w", kd.Domain, kd.Selector, err)
		}
	}
	if err := ks.Postprocess(); err != nil {
		return nil, fmt.Errorf("dkimsignd: postprocessing key store: %w", err)
	}
	return ks, nil
}

// BuildOptionsResolver converts a ServerConfig's ordered sender-option maps
// into an OptionsResolver.
func BuildOptionsResolver(cfg ServerConfig) *OptionsResolver {
	tagMaps := make([]TagMap, 0, len(cfg.SenderOptions))
	for _, m := range cfg.SenderOptions {
		tm := make(TagMap, len(m))
		for key, entry := range m {
			tm[key] = map[string]string(entry)
		}
		tagMaps = append(tagMaps, tm)
	}
	return NewOptionsResolver(tagMaps...)
}
