package conflict

import (
	"sort"

	"marketsync/internal/models"
)

// ProductField is the field name used for whole-product divergence.
const ProductField = "product"

// Diff is the outcome of comparing a local catalog with a platform catalog.
type Diff struct {
	Conflicts         []models.Conflict
	MissingOnPlatform []models.Product
	MissingLocally    []models.Product
	Matched           int
}

// Detect pairs products by SKU and reports field-level divergence. When fields
// is empty every field present on either side is compared.
func Detect(storeID, platform string, local, remote []models.Product, fields []string) Diff {
	var d Diff

	remoteBySKU := make(map[string]models.Product, len(remote))
	for _, p := range remote {
		remoteBySKU[p.SKU] = p
	}

	seen := make(map[string]bool, len(local))
	for _, lp := range local {
		seen[lp.SKU] = true
		rp, ok := remoteBySKU[lp.SKU]
		if !ok {
			d.MissingOnPlatform = append(d.MissingOnPlatform, lp)
			continue
		}
		d.Matched++
		d.Conflicts = append(d.Conflicts, compare(storeID, platform, lp, rp, fields)...)
	}

	for _, rp := range remote {
		if !seen[rp.SKU] {
			d.MissingLocally = append(d.MissingLocally, rp)
		}
	}
	return d
}

func compare(storeID, platform string, local, remote models.Product, fields []string) []models.Conflict {
	if len(fields) == 0 {
		fields = fieldUnion(local.Fields, remote.Fields)
	}

	var out []models.Conflict
	for _, f := range fields {
		lv, lok := local.Fields[f]
		rv, rok := remote.Fields[f]

		c := models.Conflict{
			StoreID:       storeID,
			Platform:      platform,
			ProductID:     local.ID,
			VariantID:     local.VariantID,
			Field:         f,
			LocalValue:    lv,
			PlatformValue: rv,
		}
		switch {
		case !lok && !rok:
			continue
		case lok && !rok:
			c.Type = models.ConflictMissingPlatform
		case !lok && rok:
			c.Type = models.ConflictMissingLocal
		case ValuesEqual(lv, rv):
			continue
		default:
			c.Type = models.ConflictValueMismatch
		}
		out = append(out, c)
	}
	return out
}

func fieldUnion(a, b map[string]interface{}) []string {
	set := make(map[string]bool, len(a)+len(b))
	for k := range a {
		set[k] = true
	}
	for k := range b {
		set[k] = true
	}
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
