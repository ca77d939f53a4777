package asset

import (
	"strings"
	"sync"
)

// DefaultItemCategory is used for materials without an explicit category.
const DefaultItemCategory = "item"

var (
	categoryMu    sync.RWMutex
	itemCategories = map[string]string{
		"WHEAT": "crop", "WHEAT_SEEDS": "crop", "CARROT": "crop", "POTATO": "crop",
		"BEETROOT": "crop", "BEETROOT_SEEDS": "crop", "PUMPKIN": "crop", "PUMPKIN_SEEDS": "crop",
		"MELON_SLICE": "crop", "MELON_SEEDS": "crop", "SWEET_BERRIES": "crop",
		"COCOA_BEANS": "crop", "SUGAR": "crop",

		"BREAD": "food", "COOKIE": "food", "CAKE": "food", "PUMPKIN_PIE": "food",
		"GOLDEN_CARROT": "food", "GLISTERING_MELON_SLICE": "food", "BAKED_POTATO": "food",
		"BEETROOT_SOUP": "food", "EGG": "food",

		"COAL": "mineral", "IRON_INGOT": "mineral", "GOLD_INGOT": "mineral", "GOLD_NUGGET": "mineral",
		"DIAMOND": "mineral", "EMERALD": "mineral", "REDSTONE": "mineral", "LAPIS_LAZULI": "mineral",
		"ANCIENT_DEBRIS": "mineral", "OBSIDIAN": "mineral",

		"PAPER": "material", "LEATHER": "material", "STRING": "material", "STICK": "material", "BOWL": "material",
		"BOOK": "book", "ENCHANTED_BOOK": "book", "BOOKSHELF": "book",
	}
)

// ItemCategory returns the category of a material.
func ItemCategory(material string) string {
	categoryMu.RLock()
	defer categoryMu.RUnlock()
	if c, ok := itemCategories[strings.ToUpper(material)]; ok {
		return c
	}
	if strings.HasSuffix(material, "_DYE") {
		return "dye"
	}
	return DefaultItemCategory
}

// SetItemCategories overrides the category of the given materials.
func SetItemCategories(m map[string]string) {
	categoryMu.Lock()
	defer categoryMu.Unlock()
	for material, category := range m {
		itemCategories[strings.ToUpper(material)] = strings.ToLower(category)
	}
}
