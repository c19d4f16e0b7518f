package tokens

import (
	"reflect"
	"testing"
)

func TestFromTitle(t *testing.T) {
	tests := []struct {
		name  string
		title string
		want  []string
	}{
		{
			name:  "proper noun kept as single token",
			title: "Emmanuel Macron annonce une réforme",
			want:  []string{"Emmanuel Macron", "annonce", "une", "réforme"},
		},
		{
			name:  "elision and guillemets",
			title: "« L'inflation ralentit », selon l'Insee",
			want:  []string{"«", "L'inflation", "ralentit", "»", ",", "selon", "l'Insee"},
		},
		{
			name:  "hyphenated compound stays whole",
			title: "Grève à la SNCF : trafic quasi-normal jeudi",
			want:  []string{"Grève", "à", "la", "SNCF", ":", "trafic", "quasi-normal", "jeudi"},
		},
		{
			name:  "duplicates collapse in reading order",
			title: "Le loyer, le loyer et encore le loyer",
			want:  []string{"Le", "loyer", ",", "le", "et", "encore"},
		},
		{
			name:  "empty title",
			title: "",
			want:  nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := FromTitle(tt.title)
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("FromTitle(%q) = %v, want %v", tt.title, got, tt.want)
			}
		})
	}
}

func TestFromTitle_LongNameChain(t *testing.T) {
	got := FromTitle("Jean-Luc Mélenchon rencontre Marine Le Pen")
	want := []string{"Jean-Luc Mélenchon", "rencontre", "Marine Le Pen"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("FromTitle = %v, want %v", got, want)
	}
}
