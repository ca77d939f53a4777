package simulation

// recipe is a built-in agent definition used to seed the catalog file.
type recipe struct {
	name   string
	needs  []item
	output []item
}

type item struct {
	material string
	amount   float64
}

func need(material string, amount float64) item { return item{material, amount} }

// seedRecipes is written to the catalog file on first run.
var seedRecipes = []recipe{
	{"Pastry_1", []item{need("WHEAT", 300)}, []item{need("BREAD", 100)}},
	{"Pastry_2", []item{need("WHEAT", 200), need("COCOA_BEANS", 100)}, []item{need("COOKIE", 800)}},
	{"Pastry_3", []item{need("PUMPKIN", 100), need("SUGAR", 100), need("EGG", 100)}, []item{need("PUMPKIN_PIE", 100)}},
	// 9 iron ingots stand in for 3 buckets
	{"Pastry_4", []item{need("SUGAR", 200), need("EGG", 100), need("WHEAT", 300), need("IRON_INGOT", 9)}, []item{need("CAKE", 100)}},
	{"Pastry_5", []item{need("GOLD_NUGGET", 800), need("CARROT", 100)}, []item{need("GOLDEN_CARROT", 100)}},
	{"Pastry_6", []item{need("GOLD_NUGGET", 800), need("MELON_SLICE", 100)}, []item{need("GLISTERING_MELON_SLICE", 100)}},
	{"Pastry_7", []item{need("POTATO", 100)}, []item{need("BAKED_POTATO", 100)}},
	{"Pastry_8", []item{need("BEETROOT", 600), need("BOWL", 100)}, []item{need("BEETROOT_SOUP", 100)}},

	{"Farmer_1", []item{need("WHEAT_SEEDS", 100)}, []item{need("WHEAT", 100)}},
	{"Farmer_1_2", []item{need("WHEAT_SEEDS", 100)}, []item{need("WHEAT_SEEDS", 150)}},
	{"Farmer_2", []item{need("CARROT", 100)}, []item{need("CARROT", 150)}},
	{"Farmer_3", []item{need("POTATO", 100)}, []item{need("POTATO", 150)}},
	{"Farmer_4", []item{need("BEETROOT_SEEDS", 100)}, []item{need("BEETROOT", 100)}},
	{"Farmer_4_2", []item{need("BEETROOT_SEEDS", 100)}, []item{need("BEETROOT_SEEDS", 150)}},
	{"Farmer_5", []item{need("SWEET_BERRIES", 100)}, []item{need("SWEET_BERRIES", 125)}},
	{"Farmer_6", []item{need("MELON_SEEDS", 100)}, []item{need("MELON_SLICE", 500)}},
	{"Farmer_7", []item{need("PUMPKIN_SEEDS", 100)}, []item{need("PUMPKIN", 500)}},

	{"Librarian_1", []item{need("PAPER", 300), need("LEATHER", 100)}, []item{need("BOOK", 100)}},
	{"Librarian_2", []item{need("PAPER", 100), need("DIAMOND", 200), need("OBSIDIAN", 400)}, []item{need("ENCHANTING_TABLE", 100)}},
	{"Librarian_3", []item{need("IRON_INGOT", 40), need("REDSTONE", 10)}, []item{need("COMPASS", 10)}},
	{"Librarian_4", []item{need("GOLD_INGOT", 40), need("REDSTONE", 10)}, []item{need("CLOCK", 10)}},

	{"Toolsmith_1", []item{need("GOLD_INGOT", 25), need("STICK", 10), need("DIAMOND", 5)}, []item{need("BELL", 5)}},

	// miners have no inputs and produce every cycle
	{"Miner_Ancient", nil, []item{need("ANCIENT_DEBRIS", 11)}},
	{"Miner_Emerald", nil, []item{need("EMERALD", 13)}},
	{"Miner_Lapis", nil, []item{need("LAPIS_LAZULI", 16)}},
	{"Miner_Diamond", nil, []item{need("DIAMOND", 17)}},
	{"Miner_Gold", nil, []item{need("GOLD_INGOT", 21)}},
	{"Miner_Redstone", nil, []item{need("REDSTONE", 142)}},
	{"Miner_Iron", nil, []item{need("IRON_INGOT", 106)}},
	{"Miner_Coal", nil, []item{need("COAL", 180)}},

	{"Dye_Red_1", []item{need("POPPY", 10)}, []item{need("RED_DYE", 10)}},
	{"Dye_Red_2", []item{need("RED_TULIP", 10)}, []item{need("RED_DYE", 10)}},
	{"Dye_Red_3", []item{need("ROSE_BUSH", 10)}, []item{need("RED_DYE", 10)}},
	{"Dye_Red_4", []item{need("BEETROOT", 10)}, []item{need("RED_DYE", 10)}},
	{"Dye_Green", []item{need("CACTUS", 10)}, []item{need("GREEN_DYE", 10)}},
	{"Dye_Purple", []item{need("RED_DYE", 10), need("BLUE_DYE", 10)}, []item{need("PURPLE_DYE", 20)}},
	{"Dye_Cyan", []item{need("GREEN_DYE", 10), need("BLUE_DYE", 10)}, []item{need("CYAN_DYE", 20)}},
	{"Dye_Gray", []item{need("WHITE_DYE", 10), need("BLACK_DYE", 10)}, []item{need("GRAY_DYE", 20)}},
	{"Dye_Pink_1", []item{need("RED_DYE", 10), need("WHITE_DYE", 10)}, []item{need("PINK_DYE", 20)}},
	{"Dye_Pink_2", []item{need("PINK_TULIP", 10)}, []item{need("PINK_DYE", 10)}},
	{"Dye_Lime", []item{need("GREEN_DYE", 10), need("WHITE_DYE", 10)}, []item{need("LIME_DYE", 20)}},
	{"Dye_Yellow_1", []item{need("DANDELION", 10)}, []item{need("YELLOW_DYE", 10)}},
	{"Dye_Yellow_2", []item{need("SUNFLOWER", 10)}, []item{need("YELLOW_DYE", 20)}},

	{"Mason_1", []item{need("COBBLESTONE", 100)}, []item{need("STONE", 100)}},
	{"Mason_2", []item{need("STONE", 100)}, []item{need("STONE_BRICKS", 100)}},
	{"Mason_3", []item{need("COBBLESTONE", 100), need("NETHER_QUARTZ_ORE", 100)}, []item{need("DIORITE", 100)}},
	{"Mason_4", []item{need("DIORITE", 100)}, []item{need("POLISHED_DIORITE", 100)}},
}

// seedDenied lists materials that may not be traded by default.
var seedDenied = []string{"BEDROCK", "BARRIER", "COMMAND_BLOCK", "SPAWNER"}
