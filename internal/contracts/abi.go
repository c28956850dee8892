package contracts

import (
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
)

// Event names emitted by the settlement contract.
const (
	EventPaymentCreated      = "PaymentCreated"
	EventPaymentAccepted     = "PaymentAccepted"
	EventPaymentRejected     = "PaymentRejected"
	EventPaymentMarkedAsPaid = "PaymentMarkedAsPaid"
	EventMerchantRegistered  = "MerchantRegistered"
	EventMerchantUpdated     = "MerchantUpdated"
)

// SettlXABI is the public surface of the settlement contract.
const SettlXABI = `[
  {"type":"function","name":"payMerchant","stateMutability":"nonpayable",
   "inputs":[{"name":"merchant","type":"address"},{"name":"amount","type":"uint256"},{"name":"rfce","type":"string"}],"outputs":[]},
  {"type":"function","name":"acceptPaymentWithRate","stateMutability":"nonpayable",
   "inputs":[{"name":"paymentId","type":"uint256"},{"name":"rate","type":"uint256"}],"outputs":[]},
  {"type":"function","name":"rejectPayment","stateMutability":"nonpayable",
   "inputs":[{"name":"paymentId","type":"uint256"}],"outputs":[]},
  {"type":"function","name":"markAsPaid","stateMutability":"nonpayable",
   "inputs":[{"name":"paymentId","type":"uint256"}],"outputs":[]},
  {"type":"function","name":"registerMerchantBankDetails","stateMutability":"nonpayable",
   "inputs":[{"name":"bankName","type":"string"},{"name":"accountName","type":"string"},{"name":"accountNumber","type":"string"}],"outputs":[]},
  {"type":"function","name":"updateMerchantBankDetails","stateMutability":"nonpayable",
   "inputs":[{"name":"bankName","type":"string"},{"name":"accountName","type":"string"},{"name":"accountNumber","type":"string"}],"outputs":[]},
  {"type":"function","name":"getMerchantPaymentIds","stateMutability":"view",
   "inputs":[{"name":"merchant","type":"address"}],"outputs":[{"name":"","type":"uint256[]"}]},
  {"type":"function","name":"getPayerPaymentIds","stateMutability":"view",
   "inputs":[{"name":"payer","type":"address"}],"outputs":[{"name":"","type":"uint256[]"}]},
  {"type":"function","name":"getPayment","stateMutability":"view",
   "inputs":[{"name":"paymentId","type":"uint256"}],
   "outputs":[{"name":"id","type":"uint256"},{"name":"payer","type":"address"},{"name":"merchant","type":"address"},
              {"name":"amount","type":"uint256"},{"name":"timestamp","type":"uint256"},{"name":"rfce","type":"bytes32"},
              {"name":"status","type":"uint8"}]},
  {"type":"function","name":"getMerchantBankDetails","stateMutability":"view",
   "inputs":[{"name":"merchant","type":"address"}],
   "outputs":[{"name":"bankName","type":"bytes32"},{"name":"accountName","type":"bytes32"},{"name":"accountNumber","type":"bytes32"}]},

  {"type":"event","name":"PaymentCreated","anonymous":false,"inputs":[
    {"name":"id","type":"uint256","indexed":true},{"name":"payer","type":"address","indexed":true},
    {"name":"merchant","type":"address","indexed":true},{"name":"amount","type":"uint256","indexed":false},
    {"name":"rfce","type":"string","indexed":false}]},
  {"type":"event","name":"PaymentAccepted","anonymous":false,"inputs":[
    {"name":"id","type":"uint256","indexed":true},{"name":"lockedRate","type":"uint256","indexed":false}]},
  {"type":"event","name":"PaymentRejected","anonymous":false,"inputs":[
    {"name":"id","type":"uint256","indexed":true}]},
  {"type":"event","name":"PaymentMarkedAsPaid","anonymous":false,"inputs":[
    {"name":"id","type":"uint256","indexed":true}]},
  {"type":"event","name":"MerchantRegistered","anonymous":false,"inputs":[
    {"name":"merchant","type":"address","indexed":true},{"name":"bankName","type":"string","indexed":false},
    {"name":"accountName","type":"string","indexed":false},{"name":"accountNumber","type":"string","indexed":false}]},
  {"type":"event","name":"MerchantUpdated","anonymous":false,"inputs":[
    {"name":"merchant","type":"address","indexed":true},{"name":"bankName","type":"string","indexed":false},
    {"name":"accountName","type":"string","indexed":false},{"name":"accountNumber","type":"string","indexed":false}]},

  {"type":"error","name":"InvalidToken","inputs":[]},
  {"type":"error","name":"InvalidMerchant","inputs":[]},
  {"type":"error","name":"InvalidAmount","inputs":[]},
  {"type":"error","name":"OnlyAdmin","inputs":[]},
  {"type":"error","name":"NotYourPayment","inputs":[]},
  {"type":"error","name":"AlreadyProcessed","inputs":[]},
  {"type":"error","name":"InvalidRate","inputs":[]},
  {"type":"error","name":"BankNameRequired","inputs":[]},
  {"type":"error","name":"AccountNameRequired","inputs":[]},
  {"type":"error","name":"AccountNumberRequired","inputs":[]},
  {"type":"error","name":"MustBeAcceptedFirst","inputs":[]},
  {"type":"error","name":"NotRegistered","inputs":[]}
]`

// ERC20ABI covers the token calls made before paying a merchant.
const ERC20ABI = `[
  {"type":"function","name":"approve","stateMutability":"nonpayable",
   "inputs":[{"name":"spender","type":"address"},{"name":"amount","type":"uint256"}],"outputs":[{"name":"","type":"bool"}]},
  {"type":"function","name":"allowance","stateMutability":"view",
   "inputs":[{"name":"owner","type":"address"},{"name":"spender","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
  {"type":"function","name":"balanceOf","stateMutability":"view",
   "inputs":[{"name":"account","type":"address"}],"outputs":[{"name":"","type":"uint256"}]}
]`

// AggregatorV3ABI is the read surface of a Chainlink-style price feed.
const AggregatorV3ABI = `[
  {"type":"function","name":"decimals","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint8"}]},
  {"type":"function","name":"latestRoundData","stateMutability":"view","inputs":[],
   "outputs":[{"name":"roundId","type":"uint80"},{"name":"answer","type":"int256"},{"name":"startedAt","type":"uint256"},
              {"name":"updatedAt","type":"uint256"},{"name":"answeredInRound","type":"uint80"}]}
]`

var (
	SettlX       = mustParse(SettlXABI)
	ERC20        = mustParse(ERC20ABI)
	AggregatorV3 = mustParse(AggregatorV3ABI)
)

func mustParse(raw string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(raw))
	if err != nil {
		panic("contracts: parse abi: " + err.Error())
	}
	return parsed
}
