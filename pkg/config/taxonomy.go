package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"

	"github.com/xhad/filingscan/internal/models"
)

var keywordLocations = []string{
	filepath.Join("config", "keywords.yaml"),
	"keywords.yaml",
}

// FindKeywords returns the first existing default keywords file, or "".
func FindKeywords() string {
	for _, loc := range keywordLocations {
		if _, err := os.Stat(loc); err == nil {
			return loc
		}
	}
	return ""
}

// LoadTaxonomy reads a keywords file of the form
//
//	environmental:
//	  climate:
//	    - net zero
//	    - carbon neutrality
//
// keeping the order of the file. A malformed file is a
// *models.ConfigurationError.
func LoadTaxonomy(path string) (models.Taxonomy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return models.Taxonomy{}, eris.Wrapf(err, "error reading keywords file %s", path)
	}
	return ParseTaxonomy(data)
}

// ParseTaxonomy decodes keywords YAML. Maps are walked as nodes because a
// Go map would lose the order the file lists terms in.
func ParseTaxonomy(data []byte) (models.Taxonomy, error) {
	var taxonomy models.Taxonomy

	var root yaml.Node
	if err := yaml.Unmarshal(data, &root); err != nil {
		return taxonomy, &models.ConfigurationError{Field: "keywords", Reason: err.Error()}
	}
	if len(root.Content) == 0 {
		return taxonomy, &models.ConfigurationError{Field: "keywords", Reason: "file is empty"}
	}

	categories := root.Content[0]
	if categories.Kind != yaml.MappingNode {
		return taxonomy, taxonomyError(categories, "keywords", "expected a mapping of categories")
	}

	for i := 0; i+1 < len(categories.Content); i += 2 {
		name, subs := categories.Content[i], categories.Content[i+1]
		category, err := models.ParseCategory(name.Value)
		if err != nil {
			return taxonomy, taxonomyError(name, "keywords", err.Error())
		}
		if subs.Kind != yaml.MappingNode {
			return taxonomy, taxonomyError(subs, name.Value, "expected a mapping of subcategories")
		}

		for j := 0; j+1 < len(subs.Content); j += 2 {
			sub, phrases := subs.Content[j], subs.Content[j+1]
			field := name.Value + "." + sub.Value
			if phrases.Kind != yaml.SequenceNode {
				return taxonomy, taxonomyError(phrases, field, "expected a list of phrases")
			}

			for _, phrase := range phrases.Content {
				if phrase.Kind != yaml.ScalarNode {
					return taxonomy, taxonomyError(phrase, field, "phrases must be strings")
				}
				taxonomy.Add(category, sub.Value, phrase.Value)
			}
		}
	}

	return taxonomy, nil
}

func taxonomyError(node *yaml.Node, field, reason string) error {
	return &models.ConfigurationError{
		Field:  field,
		Reason: fmt.Sprintf("line %d: %s", node.Line, reason),
	}
}

// DefaultTaxonomy is the built-in ESG keyword set used when no keywords
// file is found.
func DefaultTaxonomy() models.Taxonomy {
	var t models.Taxonomy

	t.Add(models.Environmental, "climate",
		"climate change", "climate risk", "carbon neutrality", "carbon neutral", "net zero",
		"greenhouse gas", "GHG", "Scope 1", "Scope 2", "Scope 3", "carbon footprint",
		"emissions reduction", "Paris Agreement", "TCFD")
	t.Add(models.Environmental, "energy",
		"renewable energy", "clean energy", "solar", "wind power", "energy efficiency")
	t.Add(models.Environmental, "resources",
		"water usage", "water stewardship", "waste reduction", "recycling", "circular economy",
		"biodiversity", "deforestation")
	t.Add(models.Environmental, "pollution",
		"pollution", "hazardous waste", "air quality", "environmental compliance")

	t.Add(models.Social, "workforce",
		"workplace safety", "occupational health", "employee wellbeing", "human capital",
		"employee engagement", "living wage")
	t.Add(models.Social, "diversity",
		"diversity, equity and inclusion", "DEI", "gender diversity", "pay equity", "inclusion")
	t.Add(models.Social, "human rights",
		"human rights", "child labor", "forced labor", "modern slavery", "supplier code of conduct",
		"conflict minerals")
	t.Add(models.Social, "community",
		"community engagement", "philanthropy", "data privacy", "product safety")

	t.Add(models.Governance, "board",
		"board diversity", "independent directors", "board oversight", "board independence",
		"separation of chair and CEO")
	t.Add(models.Governance, "ethics",
		"whistleblower", "anti-corruption", "anti-bribery", "code of ethics", "code of conduct")
	t.Add(models.Governance, "compensation",
		"executive compensation", "clawback", "say on pay")
	t.Add(models.Governance, "risk",
		"ESG oversight", "sustainability committee", "risk management", "cybersecurity")

	return t
}
