// Package wordlist provides the fixed word list used to build wormhole
// codes, plus cryptographically secure word selection.
//
// The list holds 256 distinct lowercase ASCII words, so each word in a
// code contributes eight bits of entropy. Both sides of a wormhole must
// use the same list for generated codes to be transcribable, but parsing
// never validates membership: a peer may type any lowercase word sequence.
package wordlist

import (
	"crypto/rand"
	"errors"
	"math/big"
)

// Words is the fixed code word list. Entries are unique, lowercase ASCII,
// and chosen to be easy to say over a phone.
var Words = []string{
	"aardvark", "absurd", "accrue", "acme", "adrift", "adult", "afflict", "ahead",
	"aimless", "algol", "allow", "alone", "ammo", "ancient", "apple", "artist",
	"assume", "athens", "atlas", "aztec", "baboon", "backfield", "backward", "banjo",
	"beaming", "bedlamp", "beehive", "beeswax", "befriend", "belfast", "berserk", "billiard",
	"bison", "blackjack", "blockade", "blowtorch", "bluebird", "bombast", "bookshelf", "brackish",
	"breadline", "breakup", "brickyard", "briefcase", "burbank", "button", "buzzard", "cement",
	"chairlift", "chatter", "checkup", "chisel", "choking", "chopper", "christmas", "clamshell",
	"classic", "classroom", "cleanup", "clockwork", "cobra", "commence", "concert", "cowbell",
	"crackdown", "cranky", "crossover", "crowfoot", "crucial", "crumpled", "crusade", "cubic",
	"dashboard", "deadbolt", "deckhand", "dogsled", "dragnet", "drainage", "dreadful", "drifter",
	"dropper", "drumbeat", "drunken", "dupont", "dwelling", "eating", "edict", "egghead",
	"eightball", "endorse", "endow", "enlist", "erase", "escape", "exceed", "eyeglass",
	"eyetooth", "facial", "fallout", "flagpole", "flatfoot", "flytrap", "fracture", "framework",
	"freedom", "frighten", "gazelle", "geiger", "glitter", "glucose", "goggles", "goldfish",
	"gremlin", "guidance", "hamlet", "highchair", "hockey", "indoors", "indulge", "inverse",
	"involve", "island", "jawbone", "keyboard", "kickoff", "kiwi", "klaxon", "locale",
	"lockup", "merit", "minnow", "miser", "mohawk", "mural", "music", "necklace",
	"neptune", "newborn", "nightbird", "oakland", "obtuse", "offload", "optic", "orca",
	"payday", "peachy", "pheasant", "physique", "playhouse", "pluto", "preclude", "prefer",
	"preshrunk", "printer", "prowler", "pupil", "puppy", "python", "quadrant", "quiver",
	"quota", "ragtime", "ratchet", "rebirth", "reform", "regain", "reindeer", "rematch",
	"repay", "retouch", "revenge", "reward", "rhythm", "ribcage", "ringbolt", "rockslide",
	"rocker", "ruffled", "sailboat", "sawdust", "scallion", "scenic", "scorecard", "scotland",
	"seabird", "select", "sentence", "shadow", "shamrock", "showgirl", "skullcap", "skydive",
	"slingshot", "slowdown", "snapline", "snapshot", "snowcap", "snowslide", "solo", "southward",
	"soybean", "spaniel", "spearhead", "spellbind", "spheroid", "spigot", "spindle", "spyglass",
	"stagehand", "stagnate", "stairway", "standard", "stapler", "steamship", "sterling", "stockman",
	"stopwatch", "stormy", "sugar", "surmount", "suspense", "sweatband", "swelter", "tactics",
	"talon", "tapeworm", "tempest", "tiger", "tissue", "tonic", "topmost", "tracker",
	"transit", "trauma", "treadmill", "trojan", "trouble", "tumor", "tunnel", "tycoon",
	"uncut", "unearth", "unwind", "uproot", "upset", "upshot", "vapor", "village",
	"virus", "vulcan", "waffle", "wallet", "watchword", "wayside", "willow", "woodlark",
}

// ErrWordCount indicates a non-positive word count was requested.
var ErrWordCount = errors.New("wordlist: word count must be positive")

// Choose picks n words from the list using crypto/rand. Selection is
// uniform and independent per word; repeats across positions are allowed.
func Choose(n int) ([]string, error) {
	if n <= 0 {
		return nil, ErrWordCount
	}

	max := big.NewInt(int64(len(Words)))
	words := make([]string, n)
	for i := range words {
		idx, err := rand.Int(rand.Reader, max)
		if err != nil {
			return nil, err
		}
		words[i] = Words[idx.Int64()]
	}
	return words, nil
}
